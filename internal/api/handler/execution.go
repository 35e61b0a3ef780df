package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow/internal/api/response"
	"github.com/pipeflow-io/pipeflow/internal/engine"
	"github.com/pipeflow-io/pipeflow/internal/store"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// Executor defines the coordinator operations the execution handlers
// depend on.
type Executor interface {
	Execute(ctx context.Context, tenantID, pipelineID uuid.UUID, opts engine.ExecuteOptions) (*models.PipelineExecution, error)
	Cancel(ctx context.Context, tenantID uuid.UUID, executionID string) (*models.PipelineExecution, error)
}

// StatusReader provides read-only execution snapshots.
type StatusReader interface {
	CurrentStatus(ctx context.Context, tenantID uuid.UUID, executionID string) (*engine.ExecutionStatus, error)
}

// NewExecuteHandler returns the handler for
// POST /api/v1/pipelines/{id}/execute. Accepted with 202: the execution is
// queued and runs in the background; poll the returned execution_id.
func NewExecuteHandler(exec Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		pipelineID, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}

		var req struct {
			Context        map[string]any `json:"context"`
			ConfigOverride map[string]any `json:"config_override"`
			Priority       *int           `json:"priority"`
		}
		if r.ContentLength != 0 {
			if !decodeJSON(w, r, &req) {
				return
			}
		}

		priority := 5
		if req.Priority != nil {
			if *req.Priority < 0 || *req.Priority > 10 {
				response.Error(w, http.StatusBadRequest, "priority must be between 0 and 10", nil)
				return
			}
			priority = *req.Priority
		}

		run, err := exec.Execute(r.Context(), tenantID, pipelineID, engine.ExecuteOptions{
			Context:        req.Context,
			ConfigOverride: req.ConfigOverride,
			Priority:       priority,
			TriggeredBy:    userRef(r),
		})
		if err != nil {
			var vErr *engine.ValidationError
			switch {
			case errors.Is(err, engine.ErrPipelineNotFound):
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
			case errors.As(err, &vErr):
				response.Error(w, http.StatusBadRequest, "Pipeline validation failed", vErr.Result)
			case errors.Is(err, engine.ErrExecutionConflict):
				response.Error(w, http.StatusConflict, "Could not allocate an execution id", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "Failed to start execution", nil)
			}
			return
		}

		response.Accepted(w, "Execution started", map[string]any{
			"execution_id": run.ExecutionID,
			"status":       run.Status,
		})
	}
}

// NewGetExecutionHandler returns the handler for
// GET /api/v1/executions/{executionID}: a snapshot of the execution and
// all its step executions.
func NewGetExecutionHandler(status StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		executionID := chi.URLParam(r, "executionID")

		snap, err := status.CurrentStatus(r.Context(), tenantID, executionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Execution not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to get execution", nil)
			return
		}

		response.JSON(w, "Execution retrieved", snap)
	}
}

// ExecutionLister lists a pipeline's execution history.
type ExecutionLister interface {
	GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*models.Pipeline, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*models.PipelineExecution, int, error)
}

// NewListExecutionsHandler returns the handler for
// GET /api/v1/pipelines/{id}/executions.
func NewListExecutionsHandler(svc ExecutionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		pipelineID, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}
		skip, limit, ok := pagination(w, r)
		if !ok {
			return
		}

		if _, err := svc.GetPipeline(r.Context(), tenantID, pipelineID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to get pipeline", nil)
			return
		}

		filter := store.ExecutionFilter{
			TenantID:   tenantID,
			PipelineID: pipelineID,
			Skip:       skip,
			Limit:      limit,
		}
		if s := r.URL.Query().Get("status"); s != "" {
			if !models.ValidPipelineStatus(models.PipelineStatus(s)) {
				response.Error(w, http.StatusBadRequest, "Invalid status filter", nil)
				return
			}
			filter.Status = models.PipelineStatus(s)
		}

		execs, total, err := svc.ListExecutions(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to list executions", nil)
			return
		}
		if execs == nil {
			execs = []*models.PipelineExecution{}
		}

		response.Collection(w, "Executions retrieved", execs,
			response.NewPagination(skip, limit, total))
	}
}

// NewCancelExecutionHandler returns the handler for
// POST /api/v1/executions/{executionID}/cancel. Cancelling a terminal
// execution is a no-op and returns its current state.
func NewCancelExecutionHandler(exec Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		executionID := chi.URLParam(r, "executionID")

		run, err := exec.Cancel(r.Context(), tenantID, executionID)
		if err != nil {
			if errors.Is(err, engine.ErrExecutionNotFound) {
				response.Error(w, http.StatusNotFound, "Execution not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to cancel execution", nil)
			return
		}

		msg := "Execution cancelled"
		if run.Status != models.PipelineStatusCancelled {
			msg = "Execution already finished"
		}
		response.JSON(w, msg, map[string]any{
			"execution_id": run.ExecutionID,
			"status":       run.Status,
		})
	}
}
