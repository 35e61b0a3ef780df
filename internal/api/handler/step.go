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

// StepService defines the store operations the step handlers depend on.
type StepService interface {
	GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*models.Pipeline, error)
	CreateStep(ctx context.Context, step *models.PipelineStep) error
	ListSteps(ctx context.Context, pipelineID uuid.UUID) ([]*models.PipelineStep, error)
	UpdateStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID, params store.UpdateStepParams) (*models.PipelineStep, error)
	DeleteStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID) error
}

// pipelineFromPath loads the pipeline named in the URL, enforcing tenant
// scope before any step operation.
func pipelineFromPath(w http.ResponseWriter, r *http.Request, svc StepService, tenantID uuid.UUID) (*models.Pipeline, bool) {
	id, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
	if !ok {
		return nil, false
	}
	p, err := svc.GetPipeline(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
			return nil, false
		}
		response.Error(w, http.StatusInternalServerError, "Failed to get pipeline", nil)
		return nil, false
	}
	return p, true
}

// NewListStepsHandler returns the handler for
// GET /api/v1/pipelines/{id}/steps. Steps come back in step_order.
func NewListStepsHandler(svc StepService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		p, ok := pipelineFromPath(w, r, svc, tenantID)
		if !ok {
			return
		}

		steps, err := svc.ListSteps(r.Context(), p.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to list steps", nil)
			return
		}
		if steps == nil {
			steps = []*models.PipelineStep{}
		}
		response.JSON(w, "Steps retrieved", steps)
	}
}

// NewCreateStepHandler returns the handler for
// POST /api/v1/pipelines/{id}/steps.
func NewCreateStepHandler(svc StepService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		p, ok := pipelineFromPath(w, r, svc, tenantID)
		if !ok {
			return
		}

		var req stepInput
		if !decodeJSON(w, r, &req) {
			return
		}
		if msg, valid := req.validate(); !valid {
			response.Error(w, http.StatusBadRequest, msg, nil)
			return
		}

		step := req.toModel(tenantID, p.ID, userRef(r))
		if err := svc.CreateStep(r.Context(), step); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict,
					"A step with this name already exists in the pipeline", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to create step", nil)
			return
		}

		response.Created(w, "Step created", step)
	}
}

// NewUpdateStepHandler returns the handler for
// PUT /api/v1/pipelines/{id}/steps/{stepID}.
func NewUpdateStepHandler(svc StepService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		p, ok := pipelineFromPath(w, r, svc, tenantID)
		if !ok {
			return
		}
		stepID, ok := pathUUID(w, chi.URLParam(r, "stepID"), "step id")
		if !ok {
			return
		}

		var req struct {
			Name          *string        `json:"name"`
			Description   *string        `json:"description"`
			StepType      *string        `json:"step_type"`
			Order         *int           `json:"step_order"`
			Config        map[string]any `json:"config"`
			DependsOn     []string       `json:"depends_on"`
			Condition     *string        `json:"condition"`
			MemoryLimitMB *int           `json:"memory_limit"`
			CPULimit      *float64       `json:"cpu_limit"`
			TimeoutSec    *int           `json:"timeout"`
			RetryCount    *int           `json:"retry_count"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		if req.Name != nil && *req.Name == "" {
			response.Error(w, http.StatusBadRequest, "step name must not be empty", nil)
			return
		}
		if req.RetryCount != nil && (*req.RetryCount < 0 || *req.RetryCount > 10) {
			response.Error(w, http.StatusBadRequest, "retry_count must be between 0 and 10", nil)
			return
		}
		if req.Condition != nil && *req.Condition != "" {
			if err := engine.CheckCondition(*req.Condition); err != nil {
				response.Error(w, http.StatusBadRequest, "Invalid condition: "+err.Error(), nil)
				return
			}
		}

		step, err := svc.UpdateStep(r.Context(), tenantID, p.ID, stepID, store.UpdateStepParams{
			Name:          req.Name,
			Description:   req.Description,
			StepType:      req.StepType,
			Order:         req.Order,
			Config:        req.Config,
			DependsOn:     req.DependsOn,
			Condition:     req.Condition,
			MemoryLimitMB: req.MemoryLimitMB,
			CPULimit:      req.CPULimit,
			TimeoutSec:    req.TimeoutSec,
			RetryCount:    req.RetryCount,
			UpdatedBy:     userRef(r),
		})
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "Step not found", nil)
			case errors.Is(err, store.ErrDuplicateKey):
				response.Error(w, http.StatusConflict,
					"A step with this name already exists in the pipeline", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "Failed to update step", nil)
			}
			return
		}

		response.JSON(w, "Step updated", step)
	}
}

// NewDeleteStepHandler returns the handler for
// DELETE /api/v1/pipelines/{id}/steps/{stepID}.
func NewDeleteStepHandler(svc StepService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		p, ok := pipelineFromPath(w, r, svc, tenantID)
		if !ok {
			return
		}
		stepID, ok := pathUUID(w, chi.URLParam(r, "stepID"), "step id")
		if !ok {
			return
		}

		if err := svc.DeleteStep(r.Context(), tenantID, p.ID, stepID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Step not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to delete step", nil)
			return
		}

		response.JSON(w, "Step deleted", nil)
	}
}
