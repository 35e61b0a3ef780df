package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow/internal/store"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// fakeStore is an in-memory store.Store that mirrors the SQL guards of the
// real one: claim CAS, terminal-once outcome writes, guarded transitions.
type fakeStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]*models.Pipeline
	steps     map[uuid.UUID][]*models.PipelineStep
	execs     map[uuid.UUID]*models.PipelineExecution
	byExecID  map[string]uuid.UUID
	stepExecs map[uuid.UUID]map[uuid.UUID]*models.StepExecution
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pipelines: make(map[uuid.UUID]*models.Pipeline),
		steps:     make(map[uuid.UUID][]*models.PipelineStep),
		execs:     make(map[uuid.UUID]*models.PipelineExecution),
		byExecID:  make(map[string]uuid.UUID),
		stepExecs: make(map[uuid.UUID]map[uuid.UUID]*models.StepExecution),
	}
}

func (f *fakeStore) addPipeline(p *models.Pipeline, steps []*models.PipelineStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines[p.ID] = p
	f.steps[p.ID] = steps
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetPipeline(_ context.Context, tenantID, id uuid.UUID) (*models.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipelines[id]
	if !ok || p.TenantID != tenantID || p.IsDeleted {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListSteps(_ context.Context, pipelineID uuid.UUID) ([]*models.PipelineStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.PipelineStep(nil), f.steps[pipelineID]...), nil
}

func (f *fakeStore) CreateExecution(_ context.Context, e *models.PipelineExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.byExecID[e.ExecutionID]; dup {
		return store.ErrDuplicateKey
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	f.execs[e.ID] = &cp
	f.byExecID[e.ExecutionID] = e.ID
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, tenantID uuid.UUID, executionID string) (*models.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byExecID[executionID]
	if !ok || f.execs[id].TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *f.execs[id]
	return &cp, nil
}

func (f *fakeStore) ClaimExecution(_ context.Context, rowID uuid.UUID, owner string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[rowID]
	if !ok || e.Status != models.PipelineStatusQueued || e.ClaimedBy != nil {
		return false, nil
	}
	e.ClaimedBy = &owner
	e.ClaimedAt = &now
	return true, nil
}

func (f *fakeStore) StartExecution(_ context.Context, rowID uuid.UUID, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[rowID]
	if !ok || e.Status != models.PipelineStatusQueued {
		return false, nil
	}
	e.Status = models.PipelineStatusRunning
	e.StartedAt = &startedAt
	return true, nil
}

func (f *fakeStore) TransitionExecution(_ context.Context, rowID uuid.UUID, from, to models.PipelineStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[rowID]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	return true, nil
}

func (f *fakeStore) FinishExecution(_ context.Context, rowID uuid.UUID, fin store.FinishExecutionParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[rowID]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	e.Status = fin.Status
	e.CompletedAt = &fin.CompletedAt
	e.DurationSec = &fin.DurationSec
	e.Result = fin.Result
	e.Metrics = fin.Metrics
	e.Artifacts = fin.Artifacts
	e.ErrorMessage = fin.ErrorMessage
	e.ErrorDetails = fin.ErrorDetails
	return true, nil
}

func (f *fakeStore) CancelExecution(_ context.Context, tenantID uuid.UUID, executionID string, now time.Time) (*models.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byExecID[executionID]
	if !ok || f.execs[id].TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	e := f.execs[id]
	if !e.Status.IsTerminal() {
		e.Status = models.PipelineStatusCancelled
		e.CompletedAt = &now
		for _, se := range f.stepExecs[id] {
			if !se.Status.IsTerminal() {
				se.Status = models.StepStatusCancelled
				se.CompletedAt = &now
			}
		}
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) CreateStepExecutions(_ context.Context, execs []*models.StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, se := range execs {
		byStep, ok := f.stepExecs[se.PipelineExecutionID]
		if !ok {
			byStep = make(map[uuid.UUID]*models.StepExecution)
			f.stepExecs[se.PipelineExecutionID] = byStep
		}
		if _, dup := byStep[se.StepID]; dup {
			continue
		}
		se.CreatedAt, se.UpdatedAt = now, now
		cp := *se
		byStep[se.StepID] = &cp
	}
	return nil
}

func (f *fakeStore) ListStepExecutions(_ context.Context, rowID uuid.UUID) ([]*models.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.StepExecution, 0, len(f.stepExecs[rowID]))
	for _, se := range f.stepExecs[rowID] {
		cp := *se
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out, nil
}

func (f *fakeStore) MarkStepExecutionRunning(_ context.Context, rowID, stepID uuid.UUID, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se, ok := f.stepExecs[rowID][stepID]
	if !ok || se.Status != models.StepStatusPending {
		return false, nil
	}
	se.Status = models.StepStatusRunning
	se.StartedAt = &startedAt
	return true, nil
}

func (f *fakeStore) RecordStepExecutionRetry(_ context.Context, rowID, stepID uuid.UUID, attempt int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se, ok := f.stepExecs[rowID][stepID]
	if !ok || se.Status != models.StepStatusRunning || se.RetryCount >= attempt {
		return false, nil
	}
	se.RetryCount = attempt
	return true, nil
}

func (f *fakeStore) FinishStepExecution(_ context.Context, out store.StepOutcomeParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se, ok := f.stepExecs[out.ExecutionRowID][out.StepID]
	if !ok || se.Status.IsTerminal() {
		return false, nil
	}
	se.Status = out.Status
	se.CompletedAt = &out.CompletedAt
	se.DurationSec = out.DurationSec
	se.Result = out.Result
	se.ErrorMessage = out.ErrorMessage
	se.ErrorDetails = out.ErrorDetails
	se.LogOutput = out.LogOutput
	se.MemoryUsedMB = out.MemoryUsedMB
	se.CPUUsed = out.CPUUsed
	if out.Attempt > se.RetryCount {
		se.RetryCount = out.Attempt
	}
	return true, nil
}

func (f *fakeStore) CancelOpenStepExecutions(_ context.Context, rowID uuid.UUID, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, se := range f.stepExecs[rowID] {
		if !se.Status.IsTerminal() {
			se.Status = models.StepStatusCancelled
			se.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

// Unused by the engine; present to satisfy store.Store.

func (f *fakeStore) CreatePipeline(context.Context, *models.Pipeline, []*models.PipelineStep) error {
	return errors.New("not implemented")
}
func (f *fakeStore) ListPipelines(context.Context, store.PipelineFilter) ([]*models.Pipeline, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) UpdatePipeline(context.Context, uuid.UUID, uuid.UUID, store.UpdatePipelineParams) (*models.Pipeline, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpdatePipelineStatus(context.Context, uuid.UUID, uuid.UUID, models.PipelineStatus, *uuid.UUID) (*models.Pipeline, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) SoftDeletePipeline(context.Context, uuid.UUID, uuid.UUID, *uuid.UUID) error {
	return store.ErrNotFound
}
func (f *fakeStore) PipelineStats(context.Context, uuid.UUID) (*store.PipelineStats, error) {
	return &store.PipelineStats{}, nil
}
func (f *fakeStore) DueScheduledPipelines(context.Context, time.Time, int) ([]*models.Pipeline, error) {
	return nil, nil
}
func (f *fakeStore) SetNextRunAt(context.Context, uuid.UUID, time.Time, time.Time) (bool, error) {
	return false, nil
}
func (f *fakeStore) CreateStep(context.Context, *models.PipelineStep) error { return nil }
func (f *fakeStore) GetStep(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*models.PipelineStep, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpdateStep(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, store.UpdateStepParams) (*models.PipelineStep, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) DeleteStep(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return store.ErrNotFound
}
func (f *fakeStore) ListExecutions(context.Context, store.ExecutionFilter) ([]*models.PipelineExecution, int, error) {
	return nil, 0, nil
}

// fakeCache is an in-memory cache.Cache.
type fakeCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string][]byte)}
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeCache) Ping(context.Context) error { return nil }

func (f *fakeCache) SetExecutionStatus(ctx context.Context, executionID, status string, ttl time.Duration) error {
	return f.Set(ctx, "exec:"+executionID, []byte(status), ttl)
}

func (f *fakeCache) GetExecutionStatus(ctx context.Context, executionID string) (string, bool, error) {
	v, ok, _ := f.Get(ctx, "exec:"+executionID)
	return string(v), ok, nil
}

func (f *fakeCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// fakeArtifacts records uploads in memory.
type fakeArtifacts struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (f *fakeArtifacts) Put(_ context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[key] = data
	return "mem://" + key, nil
}

func (f *fakeArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.puts[key]; ok {
		return data, nil
	}
	return nil, errors.New("not found")
}

// fakeRunner runs steps per scripted behavior and tracks concurrency.
type fakeRunner struct {
	mu          sync.Mutex
	failFirst   map[string]int  // fail the first N attempts of a step
	failAlways  map[string]bool // fail every attempt of a step
	delay       map[string]time.Duration
	ignoreCtx   map[string]bool // sleep out the full delay even when cancelled
	invocations []string
	inFlight    int
	maxInFlight int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failFirst:  make(map[string]int),
		failAlways: make(map[string]bool),
		delay:      make(map[string]time.Duration),
		ignoreCtx:  make(map[string]bool),
	}
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, req.Step.Name)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.delay[req.Step.Name]
	ignoreCtx := f.ignoreCtx[req.Step.Name]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		if ignoreCtx {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	fail := f.failAlways[req.Step.Name] || req.Attempt < f.failFirst[req.Step.Name]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("scripted failure")
	}
	return &InvokeResult{
		Output:  map[string]any{"step": req.Step.Name},
		Metrics: map[string]float64{"elapsed_ms": float64(delay.Milliseconds())},
	}, nil
}

func (f *fakeRunner) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invocations...)
}
