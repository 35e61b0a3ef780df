package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pipeflow-io/pipeflow/internal/config"
	"github.com/pipeflow-io/pipeflow/internal/engine"
	"github.com/pipeflow-io/pipeflow/internal/store"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// dueBatchSize caps how many due pipelines one poll picks up.
const dueBatchSize = 50

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun returns the first run time of a standard five-field cron
// expression after the given instant.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateCron reports whether expr is a valid five-field cron expression.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// Executor starts a pipeline execution. Satisfied by *engine.Coordinator.
type Executor interface {
	Execute(ctx context.Context, tenantID uuid.UUID, pipelineID uuid.UUID, opts engine.ExecuteOptions) (*models.PipelineExecution, error)
}

// Dispatcher polls for scheduled pipelines whose next_run_at has passed
// and triggers an execution for each. Advancing next_run_at is a
// compare-and-swap on the previous value, so concurrent replicas trigger
// each due pipeline at most once.
type Dispatcher struct {
	store    store.Store
	executor Executor
	cfg      config.ScheduleConfig
	logger   *slog.Logger
}

func NewDispatcher(st store.Store, executor Executor, cfg config.ScheduleConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, executor: executor, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("schedule dispatcher started", "poll_interval", d.cfg.PollInterval)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("schedule dispatcher stopped")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	now := time.Now().UTC()
	due, err := d.store.DueScheduledPipelines(ctx, now, dueBatchSize)
	if err != nil {
		d.logger.Error("failed to list due pipelines", "error", err)
		return
	}

	for _, p := range due {
		if err := d.trigger(ctx, p, now); err != nil {
			d.logger.Error("failed to trigger scheduled pipeline",
				"pipeline_id", p.ID, "name", p.Name, "error", err)
		}
	}
}

func (d *Dispatcher) trigger(ctx context.Context, p *models.Pipeline, now time.Time) error {
	if p.CronExpression == nil || p.NextRunAt == nil {
		return nil
	}

	next, err := NextRun(*p.CronExpression, now)
	if err != nil {
		// Bad expressions are rejected at write time; if one slips
		// through, push the run out so it stops firing every poll.
		d.logger.Warn("invalid cron expression on scheduled pipeline",
			"pipeline_id", p.ID, "cron", *p.CronExpression, "error", err)
		next = now.Add(24 * time.Hour)
	}

	won, err := d.store.SetNextRunAt(ctx, p.ID, *p.NextRunAt, next)
	if err != nil {
		return err
	}
	if !won {
		// Another replica advanced the schedule first.
		return nil
	}

	exec, err := d.executor.Execute(ctx, p.TenantID, p.ID, engine.ExecuteOptions{
		Context:  map[string]any{"trigger": "schedule", "scheduled_for": p.NextRunAt.UTC().Format(time.RFC3339)},
		Priority: 5,
	})
	if err != nil {
		return err
	}
	d.logger.Info("scheduled pipeline triggered",
		"pipeline_id", p.ID, "name", p.Name, "execution_id", exec.ExecutionID, "next_run_at", next)
	return nil
}
