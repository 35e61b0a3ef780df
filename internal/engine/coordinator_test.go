package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow-io/pipeflow/internal/config"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) (*fakeStore, *fakeRunner, *Coordinator) {
	t.Helper()
	st := newFakeStore()
	runner := newFakeRunner()
	agg := NewAggregator(st, newFakeCache(), &fakeArtifacts{}, testLogger())
	coord := NewCoordinator(st, agg, runner, config.EngineConfig{
		WorkerID:           "test-worker",
		Runner:             "local",
		DefaultStepTimeout: 5 * time.Second,
		CancelGracePeriod:  time.Second,
	}, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return st, runner, coord
}

// waitTerminal polls until the execution reaches a terminal status.
func waitTerminal(t *testing.T, st *fakeStore, tenantID uuid.UUID, executionID string) *models.PipelineExecution {
	t.Helper()
	var exec *models.PipelineExecution
	require.Eventually(t, func() bool {
		e, err := st.GetExecution(context.Background(), tenantID, executionID)
		if err != nil {
			return false
		}
		exec = e
		return e.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return exec
}

func stepStatuses(t *testing.T, st *fakeStore, execRowID uuid.UUID) map[string]models.StepStatus {
	t.Helper()
	rows, err := st.ListStepExecutions(context.Background(), execRowID)
	require.NoError(t, err)
	out := make(map[string]models.StepStatus, len(rows))
	for _, se := range rows {
		out[se.StepName] = se.Status
	}
	return out
}

func TestExecute_LinearPipelineCompletes(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("linear")
	steps := []*models.PipelineStep{
		testStep("extract", 1),
		testStep("transform", 2, "extract"),
		testStep("load", 3, "transform"),
	}
	st.addPipeline(p, steps)

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusQueued, exec.Status)
	assert.Regexp(t, `^exec_[0-9a-f]{8}_\d+$`, exec.ExecutionID)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "test-worker", *final.ClaimedBy)
	assert.False(t, final.CreatedAt.IsZero())
	assert.False(t, final.UpdatedAt.IsZero())

	// Dependency order is respected.
	assert.Equal(t, []string{"extract", "transform", "load"}, runner.invoked())

	statuses := stepStatuses(t, st, final.ID)
	for name, s := range statuses {
		assert.Equal(t, models.StepStatusCompleted, s, name)
	}

	// Step results roll up keyed by step name.
	assert.Contains(t, final.Result, "extract")
	assert.Contains(t, final.Result, "load")
}

func TestExecute_MaxParallelismBound(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("fanout")
	p.MaxParallelism = 2
	steps := []*models.PipelineStep{
		testStep("seed", 1),
		testStep("fan1", 2, "seed"),
		testStep("fan2", 2, "seed"),
		testStep("fan3", 2, "seed"),
		testStep("fan4", 2, "seed"),
		testStep("join", 3, "fan1", "fan2", "fan3", "fan4"),
	}
	for _, name := range []string{"fan1", "fan2", "fan3", "fan4"} {
		runner.delay[name] = 30 * time.Millisecond
	}
	st.addPipeline(p, steps)

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusCompleted, final.Status)
	assert.LessOrEqual(t, runner.maxInFlight, 2)
	assert.Len(t, runner.invoked(), 6)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("flaky")
	flaky := testStep("flaky", 1)
	flaky.RetryCount = 2
	st.addPipeline(p, []*models.PipelineStep{flaky})
	runner.failFirst["flaky"] = 2

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusCompleted, final.Status)
	assert.Len(t, runner.invoked(), 3)

	rows, err := st.ListStepExecutions(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusCompleted, rows[0].Status)
	assert.Equal(t, 2, rows[0].RetryCount)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("doomed")
	doomed := testStep("doomed", 1)
	doomed.RetryCount = 1
	st.addPipeline(p, []*models.PipelineStep{doomed})
	runner.failAlways["doomed"] = true

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Len(t, runner.invoked(), 2)

	rows, err := st.ListStepExecutions(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "attempt 2")
}

func TestExecute_ConditionFalseSkipsAndSatisfies(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("conditional")
	gated := testStep("gated", 2, "seed")
	cond := "context.full_run"
	gated.Condition = &cond
	steps := []*models.PipelineStep{
		testStep("seed", 1),
		gated,
		testStep("after", 3, "gated"),
	}
	st.addPipeline(p, steps)

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{
		Context: map[string]any{"full_run": false},
	})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusCompleted, final.Status)

	statuses := stepStatuses(t, st, final.ID)
	assert.Equal(t, models.StepStatusCompleted, statuses["seed"])
	assert.Equal(t, models.StepStatusSkipped, statuses["gated"])
	assert.Equal(t, models.StepStatusCompleted, statuses["after"])

	// The skipped step was never handed to the runner.
	assert.NotContains(t, runner.invoked(), "gated")
}

func TestExecute_FailureCancelsDependents(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("failing")
	steps := []*models.PipelineStep{
		testStep("bad", 1),
		testStep("child", 2, "bad"),
		testStep("grandchild", 3, "child"),
	}
	st.addPipeline(p, steps)
	runner.failAlways["bad"] = true

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusFailed, final.Status)

	statuses := stepStatuses(t, st, final.ID)
	assert.Equal(t, models.StepStatusFailed, statuses["bad"])
	assert.Equal(t, models.StepStatusCancelled, statuses["child"])
	assert.Equal(t, models.StepStatusCancelled, statuses["grandchild"])
}

func TestExecute_ContinueOnFailure(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("tolerant")
	p.MaxParallelism = 2
	p.Config = map[string]any{"continue_on_failure": true}
	steps := []*models.PipelineStep{
		testStep("bad", 1),
		testStep("child", 2, "bad"),
		testStep("independent", 1),
	}
	st.addPipeline(p, steps)
	runner.failAlways["bad"] = true
	runner.delay["independent"] = 20 * time.Millisecond

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	// Any failed step still fails the execution overall.
	assert.Equal(t, models.PipelineStatusFailed, final.Status)

	statuses := stepStatuses(t, st, final.ID)
	assert.Equal(t, models.StepStatusFailed, statuses["bad"])
	assert.Equal(t, models.StepStatusCancelled, statuses["child"])
	assert.Equal(t, models.StepStatusCompleted, statuses["independent"])
}

func TestExecute_RuntimeConditionErrorFailsStep(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("badcond")
	gated := testStep("gated", 1)
	cond := "context.x === 3" // parses as warning at save time, fails at run time
	gated.Condition = &cond
	st.addPipeline(p, []*models.PipelineStep{gated})

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusFailed, final.Status)
	statuses := stepStatuses(t, st, final.ID)
	assert.Equal(t, models.StepStatusFailed, statuses["gated"])
	assert.Empty(t, runner.invoked())
}

func TestExecute_ValidationRejected(t *testing.T) {
	st, _, coord := newHarness(t)

	p := testPipeline("cyclic")
	st.addPipeline(p, []*models.PipelineStep{
		testStep("a", 1, "b"),
		testStep("b", 2, "a"),
	})

	_, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, issueCodes(vErr.Result.Errors), IssueDependencyCycle)
}

func TestExecute_PipelineNotFound(t *testing.T) {
	_, _, coord := newHarness(t)

	_, err := coord.Execute(context.Background(), uuid.New(), uuid.New(), ExecuteOptions{})
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestCancel_LeavesNoOpenSteps(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("longrun")
	steps := []*models.PipelineStep{
		testStep("slow", 1),
		testStep("never", 2, "slow"),
	}
	st.addPipeline(p, steps)
	runner.delay["slow"] = 10 * time.Second

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	// Wait until the slow step is actually running before cancelling.
	require.Eventually(t, func() bool {
		return len(runner.invoked()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancelled, err := coord.Cancel(context.Background(), p.TenantID, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusCancelled, cancelled.Status)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusCancelled, final.Status)

	require.Eventually(t, func() bool {
		for _, s := range stepStatuses(t, st, final.ID) {
			if !s.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	statuses := stepStatuses(t, st, final.ID)
	assert.Equal(t, models.StepStatusCancelled, statuses["slow"])
	assert.Equal(t, models.StepStatusCancelled, statuses["never"])

	// Cancelling again is a no-op.
	again, err := coord.Cancel(context.Background(), p.TenantID, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusCancelled, again.Status)
}

func TestCancel_GracePeriodBoundsDrain(t *testing.T) {
	st := newFakeStore()
	runner := newFakeRunner()
	agg := NewAggregator(st, newFakeCache(), &fakeArtifacts{}, testLogger())
	coord := NewCoordinator(st, agg, runner, config.EngineConfig{
		WorkerID:           "test-worker",
		Runner:             "local",
		DefaultStepTimeout: 30 * time.Second,
		CancelGracePeriod:  50 * time.Millisecond,
	}, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	p := testPipeline("stuck")
	steps := []*models.PipelineStep{testStep("stubborn", 1)}
	st.addPipeline(p, steps)
	// The step sleeps out its full delay regardless of cancellation,
	// standing in for a runner that does not honor the context.
	runner.delay["stubborn"] = 2 * time.Second
	runner.ignoreCtx["stubborn"] = true

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(runner.invoked()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancelledAt := time.Now()
	_, err = coord.Cancel(context.Background(), p.TenantID, exec.ExecutionID)
	require.NoError(t, err)

	// The grace period, not the stubborn step, bounds how long the
	// execution takes to settle.
	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusCancelled, final.Status)
	assert.Less(t, time.Since(cancelledAt), time.Second)

	statuses := stepStatuses(t, st, final.ID)
	assert.Equal(t, models.StepStatusCancelled, statuses["stubborn"])
}

func TestCancel_NotFound(t *testing.T) {
	_, _, coord := newHarness(t)
	_, err := coord.Cancel(context.Background(), uuid.New(), "exec_deadbeef_1")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecute_PipelineTimeout(t *testing.T) {
	st, runner, coord := newHarness(t)

	p := testPipeline("timed")
	timeout := 1
	p.TimeoutSec = &timeout
	st.addPipeline(p, []*models.PipelineStep{testStep("slow", 1)})
	runner.delay["slow"] = 10 * time.Second

	exec, err := coord.Execute(context.Background(), p.TenantID, p.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, st, p.TenantID, exec.ExecutionID)
	assert.Equal(t, models.PipelineStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "timed out")
}

func TestAggregator_DuplicateOutcomeIsNoOp(t *testing.T) {
	st := newFakeStore()
	agg := NewAggregator(st, newFakeCache(), &fakeArtifacts{}, testLogger())

	exec := &models.PipelineExecution{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		ExecutionID: "exec_cafebabe_1",
	}
	step := testStep("only", 1)
	require.NoError(t, st.CreateStepExecutions(context.Background(), []*models.StepExecution{{
		ID:                  uuid.New(),
		TenantID:            exec.TenantID,
		PipelineExecutionID: exec.ID,
		StepID:              step.ID,
		StepName:            step.Name,
		Status:              models.StepStatusPending,
	}}))

	out := StepOutcome{
		Status:      models.StepStatusCompleted,
		CompletedAt: time.Now().UTC(),
		Result:      map[string]any{"ok": true},
	}
	_, applied, err := agg.RecordStepResult(context.Background(), exec, step, out)
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivery of the same outcome, and even a conflicting one, is ignored.
	_, applied, err = agg.RecordStepResult(context.Background(), exec, step, out)
	require.NoError(t, err)
	assert.False(t, applied)

	out.Status = models.StepStatusFailed
	_, applied, err = agg.RecordStepResult(context.Background(), exec, step, out)
	require.NoError(t, err)
	assert.False(t, applied)

	rows, err := st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StepStatusCompleted, rows[0].Status)
}

func TestAggregator_ArtifactsUploadedAndReferenced(t *testing.T) {
	st := newFakeStore()
	art := &fakeArtifacts{}
	agg := NewAggregator(st, newFakeCache(), art, testLogger())

	tenantID := uuid.New()
	exec := &models.PipelineExecution{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ExecutionID: "exec_0ddba11_7",
	}
	step := testStep("train", 1)
	require.NoError(t, st.CreateStepExecutions(context.Background(), []*models.StepExecution{{
		ID:                  uuid.New(),
		TenantID:            tenantID,
		PipelineExecutionID: exec.ID,
		StepID:              step.ID,
		StepName:            step.Name,
		Status:              models.StepStatusPending,
	}}))

	refs, applied, err := agg.RecordStepResult(context.Background(), exec, step, StepOutcome{
		Status:      models.StepStatusCompleted,
		CompletedAt: time.Now().UTC(),
		Artifacts:   map[string][]byte{"model.bin": []byte("weights")},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	require.Contains(t, refs, "model.bin")
	assert.Contains(t, refs["model.bin"], exec.ExecutionID)

	stored, err := art.Get(context.Background(), tenantID.String()+"/"+exec.ExecutionID+"/train/model.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), stored)
}

func TestLocalRunner(t *testing.T) {
	r := &LocalRunner{}

	step := testStep("demo", 1)
	step.Config = map[string]any{
		"sleep_ms": float64(5),
		"output":   map[string]any{"rows": float64(10)},
		"metrics":  map[string]any{"accuracy": 0.93},
	}
	res, err := r.Invoke(context.Background(), InvokeRequest{
		Pipeline: testPipeline("demo"), Step: step, ExecutionID: "exec_feedface_1",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(10), res.Output["rows"])
	assert.Equal(t, 0.93, res.Metrics["accuracy"])

	step.Config = map[string]any{"fail": true}
	_, err = r.Invoke(context.Background(), InvokeRequest{Pipeline: testPipeline("demo"), Step: step})
	assert.Error(t, err)

	step.Config = map[string]any{"fail_attempts": float64(1)}
	_, err = r.Invoke(context.Background(), InvokeRequest{Pipeline: testPipeline("demo"), Step: step, Attempt: 0})
	assert.Error(t, err)
	res, err = r.Invoke(context.Background(), InvokeRequest{Pipeline: testPipeline("demo"), Step: step, Attempt: 1})
	require.NoError(t, err)
	assert.NotNil(t, res)
}
