package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow/internal/config"
	"github.com/pipeflow-io/pipeflow/internal/store"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// Coordinator schedules pipeline executions. Each execution is driven by
// one goroutine that owns all scheduling state; worker goroutines only run
// step invocations and deliver outcomes over a channel. Persistence is
// idempotent, so a crashed coordinator leaves rows another replica can
// reason about, never a half-applied write.
type Coordinator struct {
	store  store.Store
	agg    *Aggregator
	runner StepRunner
	cfg    config.EngineConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewCoordinator(st store.Store, agg *Aggregator, runner StepRunner, cfg config.EngineConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      st,
		agg:        agg,
		runner:     runner,
		cfg:        cfg,
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// ExecuteOptions carries per-run inputs for Execute.
type ExecuteOptions struct {
	Context        map[string]any
	ConfigOverride map[string]any
	Priority       int
	TriggeredBy    *uuid.UUID
}

// Execute validates the pipeline, persists a queued execution, and starts
// running it in the background. The returned execution is the queued row;
// callers poll its execution_id for progress.
func (c *Coordinator) Execute(ctx context.Context, tenantID, pipelineID uuid.UUID, opts ExecuteOptions) (*models.PipelineExecution, error) {
	p, err := c.store.GetPipeline(ctx, tenantID, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPipelineNotFound
		}
		return nil, err
	}
	steps, err := c.store.ListSteps(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	if res := Validate(p, steps); !res.OK() {
		return nil, &ValidationError{Result: res}
	}

	if len(opts.ConfigOverride) > 0 {
		merged := make(map[string]any, len(p.Config)+len(opts.ConfigOverride))
		for k, v := range p.Config {
			merged[k] = v
		}
		for k, v := range opts.ConfigOverride {
			merged[k] = v
		}
		p.Config = merged
	}

	exec := &models.PipelineExecution{
		ID:               uuid.New(),
		TenantID:         tenantID,
		PipelineID:       pipelineID,
		Status:           models.PipelineStatusQueued,
		Priority:         opts.Priority,
		ExecutionContext: opts.Context,
	}
	if opts.TriggeredBy != nil {
		if exec.ExecutionContext == nil {
			exec.ExecutionContext = make(map[string]any, 1)
		}
		exec.ExecutionContext["triggered_by"] = opts.TriggeredBy.String()
	}

	// Execution IDs are short; regenerate on the rare collision.
	for attempt := 0; ; attempt++ {
		exec.ExecutionID = newExecutionID()
		err = c.store.CreateExecution(ctx, exec)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, err
		}
		if attempt == 2 {
			return nil, ErrExecutionConflict
		}
	}

	c.agg.MirrorStatus(ctx, exec.ExecutionID, models.PipelineStatusQueued)
	c.logger.Info("execution queued",
		"execution_id", exec.ExecutionID, "pipeline_id", pipelineID, "tenant_id", tenantID)

	c.wg.Add(1)
	go c.run(p, steps, exec)
	return exec, nil
}

func newExecutionID() string {
	id := uuid.New()
	return fmt.Sprintf("exec_%x_%d", id[:4], time.Now().Unix())
}

// Cancel moves an execution to cancelled and signals its coordinator
// goroutine, if this instance is running it. Cancelling a terminal
// execution is a no-op and returns the row unchanged.
func (c *Coordinator) Cancel(ctx context.Context, tenantID uuid.UUID, executionID string) (*models.PipelineExecution, error) {
	exec, err := c.store.CancelExecution(ctx, tenantID, executionID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}

	c.mu.Lock()
	cancel := c.cancels[executionID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if exec.Status == models.PipelineStatusCancelled {
		c.agg.MirrorStatus(ctx, executionID, models.PipelineStatusCancelled)
	}
	return exec, nil
}

// Shutdown stops accepting work, cancels in-flight invocations, and waits
// for every execution goroutine to record its outcomes.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.baseCancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stepResult struct {
	step *models.PipelineStep
	out  StepOutcome
}

// run drives one execution to a terminal state. It is the only goroutine
// touching the scheduling state for this execution.
func (c *Coordinator) run(p *models.Pipeline, steps []*models.PipelineStep, exec *models.PipelineExecution) {
	defer c.wg.Done()

	// Outcome writes must survive step cancellation and shutdown so the
	// database never shows a running step for a dead execution.
	dbCtx := context.WithoutCancel(c.baseCtx)

	stepCtx, stepCancel := context.WithCancel(c.baseCtx)
	defer stepCancel()
	if p.TimeoutSec != nil && *p.TimeoutSec > 0 {
		var cancelTimeout context.CancelFunc
		stepCtx, cancelTimeout = context.WithTimeout(stepCtx, time.Duration(*p.TimeoutSec)*time.Second)
		defer cancelTimeout()
	}

	c.mu.Lock()
	c.cancels[exec.ExecutionID] = stepCancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, exec.ExecutionID)
		c.mu.Unlock()
	}()

	logger := c.logger.With("execution_id", exec.ExecutionID, "pipeline_id", p.ID)

	claimed, err := c.store.ClaimExecution(dbCtx, exec.ID, c.cfg.WorkerID, time.Now().UTC())
	if err != nil {
		logger.Error("failed to claim execution", "error", err)
		return
	}
	if !claimed {
		logger.Info("execution claimed elsewhere or no longer queued")
		return
	}

	startedAt := time.Now().UTC()
	started, err := c.store.StartExecution(dbCtx, exec.ID, startedAt)
	if err != nil || !started {
		logger.Warn("execution did not start", "error", err)
		return
	}
	exec.StartedAt = &startedAt
	c.agg.MirrorStatus(dbCtx, exec.ExecutionID, models.PipelineStatusRunning)

	rows := make([]*models.StepExecution, 0, len(steps))
	for _, st := range steps {
		rows = append(rows, &models.StepExecution{
			ID:                  uuid.New(),
			TenantID:            exec.TenantID,
			PipelineExecutionID: exec.ID,
			StepID:              st.ID,
			StepName:            st.Name,
			Status:              models.StepStatusPending,
		})
	}
	if err := c.store.CreateStepExecutions(dbCtx, rows); err != nil {
		logger.Error("failed to create step executions", "error", err)
		c.fail(dbCtx, exec, "failed to initialize step executions", err)
		return
	}

	g := buildGraph(steps)
	status := make(map[string]models.StepStatus, len(steps))
	for _, st := range steps {
		status[st.Name] = models.StepStatusPending
	}

	maxParallel := p.MaxParallelism
	if maxParallel <= 0 {
		maxParallel = 1
	}
	continueOnFailure := p.ContinueOnFailure()

	roll := ExecutionRollup{
		Result:    make(map[string]any),
		Metrics:   make(map[string]any),
		Artifacts: make(map[string]any),
	}
	anyFailed := false

	record := func(st *models.PipelineStep, out StepOutcome) {
		refs, _, err := c.agg.RecordStepResult(dbCtx, exec, st, out)
		if err != nil {
			logger.Error("failed to record step outcome", "step", st.Name, "error", err)
		}
		status[st.Name] = out.Status
		switch out.Status {
		case models.StepStatusCompleted:
			if out.Result != nil {
				roll.Result[st.Name] = out.Result
			}
			for k, v := range out.Metrics {
				roll.Metrics[st.Name+"."+k] = v
			}
			if len(refs) > 0 {
				roll.Artifacts[st.Name] = refs
			}
		case models.StepStatusFailed:
			anyFailed = true
		}
	}

	// cancelBlocked marks pending steps with a failed or cancelled
	// dependency as cancelled. Repeats until the closure settles, since
	// each cancellation can block further dependents.
	cancelBlocked := func() {
		for {
			blocked := g.blocked(status)
			if len(blocked) == 0 {
				return
			}
			msg := "dependency failed or cancelled"
			for _, st := range blocked {
				record(st, StepOutcome{
					Status:       models.StepStatusCancelled,
					CompletedAt:  time.Now().UTC(),
					ErrorMessage: &msg,
				})
			}
		}
	}

	// Buffered so a worker abandoned during the grace period can still
	// send its result and exit instead of leaking.
	results := make(chan stepResult, len(steps))
	inFlight := 0
	execContext := exec.ExecutionContext

	for {
		if stepCtx.Err() == nil {
			// Dispatch everything ready, up to the parallelism cap.
			// Skips and condition failures resolve synchronously and can
			// unlock more steps, so keep going until nothing changes.
			for progress := true; progress && inFlight < maxParallel; {
				progress = false
				for _, st := range g.ready(status) {
					if inFlight >= maxParallel {
						break
					}
					progress = true
					expr := ""
					if st.Condition != nil {
						expr = *st.Condition
					}
					proceed, err := EvalCondition(expr, execContext)
					if err != nil {
						msg := fmt.Sprintf("condition %q: %v", expr, err)
						record(st, StepOutcome{
							Status:       models.StepStatusFailed,
							CompletedAt:  time.Now().UTC(),
							ErrorMessage: &msg,
						})
						continue
					}
					if !proceed {
						record(st, StepOutcome{
							Status:      models.StepStatusSkipped,
							CompletedAt: time.Now().UTC(),
						})
						logger.Info("step skipped", "step", st.Name, "condition", expr)
						continue
					}
					if _, err := c.agg.StartStep(dbCtx, exec.ID, st.ID); err != nil {
						logger.Error("failed to mark step running", "step", st.Name, "error", err)
					}
					status[st.Name] = models.StepStatusRunning
					inFlight++
					go func(st *models.PipelineStep) {
						results <- stepResult{step: st, out: c.invokeStep(stepCtx, p, st, exec, execContext)}
					}(st)
				}
				cancelBlocked()
			}
			if anyFailed && !continueOnFailure {
				stepCancel()
			}
		}

		if inFlight == 0 {
			break
		}

		select {
		case res := <-results:
			inFlight--
			record(res.step, res.out)
			cancelBlocked()
		case <-stepCtx.Done():
			// Stop scheduling and drain what is in flight. Cooperative
			// runners see the cancellation and return promptly; a runner
			// that ignores it is abandoned once the grace period expires
			// and its row is closed by CancelOpenStepExecutions below.
			grace := time.NewTimer(c.cfg.CancelGracePeriod)
			for inFlight > 0 {
				select {
				case res := <-results:
					inFlight--
					record(res.step, res.out)
				case <-grace.C:
					logger.Warn("grace period expired, abandoning in-flight steps", "count", inFlight)
					inFlight = 0
				}
			}
			grace.Stop()
		}
	}

	// Close any rows still open: steps never dispatched before a cancel
	// or timeout.
	if n, err := c.store.CancelOpenStepExecutions(dbCtx, exec.ID, time.Now().UTC()); err != nil {
		logger.Error("failed to cancel open step executions", "error", err)
	} else if n > 0 {
		logger.Info("cancelled undispatched steps", "count", n)
	}

	var final models.PipelineStatus
	switch {
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		final = models.PipelineStatusFailed
		msg := fmt.Sprintf("pipeline timed out after %ds", *p.TimeoutSec)
		roll.ErrorMessage = &msg
	case anyFailed:
		final = models.PipelineStatusFailed
		msg := "one or more steps failed"
		roll.ErrorMessage = &msg
	case stepCtx.Err() != nil:
		final = models.PipelineStatusCancelled
	default:
		final = models.PipelineStatusCompleted
	}

	applied, err := c.agg.FinalizeExecution(dbCtx, exec, final, roll)
	if err != nil {
		logger.Error("failed to finalize execution", "error", err)
		return
	}
	if !applied {
		// A concurrent cancel won the race; its status stands.
		logger.Info("execution already terminal at finalize")
		return
	}
	logger.Info("execution finished", "status", final, "failed", anyFailed)
}

// invokeStep runs one step through the runner with retries. Attempt
// numbering is zero-based; a step with retry_count 2 gets three attempts.
func (c *Coordinator) invokeStep(ctx context.Context, p *models.Pipeline, st *models.PipelineStep, exec *models.PipelineExecution, execContext map[string]any) StepOutcome {
	started := time.Now().UTC()
	attempts := st.RetryCount + 1
	dbCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.agg.RecordRetry(dbCtx, exec.ID, st.ID, attempt); err != nil {
				c.logger.Warn("failed to record retry",
					"execution_id", exec.ExecutionID, "step", st.Name, "error", err)
			}
		}

		timeout := c.cfg.DefaultStepTimeout
		if st.TimeoutSec != nil && *st.TimeoutSec > 0 {
			timeout = time.Duration(*st.TimeoutSec) * time.Second
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := c.runner.Invoke(attemptCtx, InvokeRequest{
			Pipeline:    p,
			Step:        st,
			ExecutionID: exec.ExecutionID,
			Attempt:     attempt,
			Context:     execContext,
		})
		cancel()

		if err == nil {
			out := StepOutcome{
				Status:      models.StepStatusCompleted,
				StartedAt:   &started,
				CompletedAt: time.Now().UTC(),
				Attempt:     attempt,
			}
			if res != nil {
				out.Result = res.Output
				out.Metrics = res.Metrics
				out.Artifacts = res.Artifacts
				if res.LogOutput != "" {
					out.LogOutput = &res.LogOutput
				}
				if res.MemoryUsedMB > 0 {
					m := res.MemoryUsedMB
					out.MemoryUsedMB = &m
				}
				if res.CPUUsed > 0 {
					cpu := res.CPUUsed
					out.CPUUsed = &cpu
				}
			}
			return out
		}

		if ctx.Err() != nil {
			msg := "execution cancelled"
			return StepOutcome{
				Status:       models.StepStatusCancelled,
				StartedAt:    &started,
				CompletedAt:  time.Now().UTC(),
				Attempt:      attempt,
				ErrorMessage: &msg,
			}
		}

		lastErr = &RunnerError{StepName: st.Name, Attempt: attempt, Err: err}
		c.logger.Warn("step attempt failed",
			"execution_id", exec.ExecutionID, "step", st.Name,
			"attempt", attempt+1, "of", attempts, "error", err)
	}

	msg := lastErr.Error()
	return StepOutcome{
		Status:       models.StepStatusFailed,
		StartedAt:    &started,
		CompletedAt:  time.Now().UTC(),
		Attempt:      attempts - 1,
		ErrorMessage: &msg,
		ErrorDetails: map[string]any{"attempts": attempts},
	}
}

// fail records a terminal failure for an execution that never got to run
// its steps.
func (c *Coordinator) fail(ctx context.Context, exec *models.PipelineExecution, msg string, cause error) {
	full := msg
	if cause != nil {
		full = fmt.Sprintf("%s: %v", msg, cause)
	}
	if _, err := c.agg.FinalizeExecution(ctx, exec, models.PipelineStatusFailed, ExecutionRollup{
		ErrorMessage: &full,
	}); err != nil {
		c.logger.Error("failed to record execution failure",
			"execution_id", exec.ExecutionID, "error", err)
	}
}
