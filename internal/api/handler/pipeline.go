package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow/internal/api/response"
	"github.com/pipeflow-io/pipeflow/internal/cache"
	"github.com/pipeflow-io/pipeflow/internal/engine"
	"github.com/pipeflow-io/pipeflow/internal/schedule"
	"github.com/pipeflow-io/pipeflow/internal/store"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

const (
	listCacheTTL  = 15 * time.Second
	statsCacheTTL = 30 * time.Second
)

// PipelineService defines the store operations the pipeline handlers
// depend on.
type PipelineService interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline, steps []*models.PipelineStep) error
	GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*models.Pipeline, error)
	ListPipelines(ctx context.Context, filter store.PipelineFilter) ([]*models.Pipeline, int, error)
	UpdatePipeline(ctx context.Context, tenantID, id uuid.UUID, params store.UpdatePipelineParams) (*models.Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, tenantID, id uuid.UUID, status models.PipelineStatus, updatedBy *uuid.UUID) (*models.Pipeline, error)
	SoftDeletePipeline(ctx context.Context, tenantID, id uuid.UUID, deletedBy *uuid.UUID) error
	PipelineStats(ctx context.Context, tenantID uuid.UUID) (*store.PipelineStats, error)
	ListSteps(ctx context.Context, pipelineID uuid.UUID) ([]*models.PipelineStep, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*models.PipelineExecution, int, error)
}

type stepInput struct {
	Name          string         `json:"name"`
	Description   *string        `json:"description"`
	StepType      string         `json:"step_type"`
	Order         int            `json:"step_order"`
	Config        map[string]any `json:"config"`
	DependsOn     []string       `json:"depends_on"`
	Condition     *string        `json:"condition"`
	MemoryLimitMB *int           `json:"memory_limit"`
	CPULimit      *float64       `json:"cpu_limit"`
	TimeoutSec    *int           `json:"timeout"`
	RetryCount    *int           `json:"retry_count"`
}

func (in stepInput) validate() (string, bool) {
	if in.Name == "" {
		return "step name is required", false
	}
	if in.StepType == "" {
		return fmt.Sprintf("step %q: step_type is required", in.Name), false
	}
	if in.RetryCount != nil && (*in.RetryCount < 0 || *in.RetryCount > 10) {
		return fmt.Sprintf("step %q: retry_count must be between 0 and 10", in.Name), false
	}
	if in.Condition != nil && *in.Condition != "" {
		if err := engine.CheckCondition(*in.Condition); err != nil {
			return fmt.Sprintf("step %q: invalid condition: %v", in.Name, err), false
		}
	}
	return "", true
}

func (in stepInput) toModel(tenantID, pipelineID uuid.UUID, createdBy *uuid.UUID) *models.PipelineStep {
	retry := 3
	if in.RetryCount != nil {
		retry = *in.RetryCount
	}
	st := &models.PipelineStep{
		ID:            uuid.New(),
		TenantID:      tenantID,
		PipelineID:    pipelineID,
		Name:          in.Name,
		Description:   in.Description,
		StepType:      in.StepType,
		Order:         in.Order,
		Config:        in.Config,
		DependsOn:     in.DependsOn,
		Condition:     in.Condition,
		MemoryLimitMB: in.MemoryLimitMB,
		CPULimit:      in.CPULimit,
		TimeoutSec:    in.TimeoutSec,
		RetryCount:    retry,
	}
	st.CreatedBy = createdBy
	return st
}

// NewCreatePipelineHandler returns the handler for POST /api/v1/pipelines.
// Steps may be supplied inline; the pipeline is created in draft.
func NewCreatePipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}

		var req struct {
			Name           string         `json:"name"`
			Description    *string        `json:"description"`
			Version        string         `json:"version"`
			PipelineType   string         `json:"pipeline_type"`
			Definition     map[string]any `json:"definition"`
			Config         map[string]any `json:"config"`
			TimeoutSec     *int           `json:"timeout"`
			RetryCount     *int           `json:"retry_count"`
			MaxParallelism *int           `json:"max_parallelism"`
			MemoryLimitMB  *int           `json:"memory_limit"`
			CPULimit       *float64       `json:"cpu_limit"`
			GPURequired    bool           `json:"gpu_required"`
			IsScheduled    bool           `json:"is_scheduled"`
			CronExpression *string        `json:"cron_expression"`
			Tags           []string       `json:"tags"`
			Metadata       map[string]any `json:"metadata"`
			Steps          []stepInput    `json:"steps"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "name is required", nil)
			return
		}
		if req.Version == "" {
			req.Version = "1.0.0"
		}
		if req.PipelineType == "" {
			req.PipelineType = string(models.PipelineTypeCustom)
		}
		if !models.ValidPipelineType(models.PipelineType(req.PipelineType)) {
			response.Error(w, http.StatusBadRequest, "Invalid pipeline_type", nil)
			return
		}

		retry := 3
		if req.RetryCount != nil {
			if *req.RetryCount < 0 || *req.RetryCount > 10 {
				response.Error(w, http.StatusBadRequest, "retry_count must be between 0 and 10", nil)
				return
			}
			retry = *req.RetryCount
		}
		parallelism := 1
		if req.MaxParallelism != nil {
			if *req.MaxParallelism < 1 || *req.MaxParallelism > 10 {
				response.Error(w, http.StatusBadRequest, "max_parallelism must be between 1 and 10", nil)
				return
			}
			parallelism = *req.MaxParallelism
		}

		var nextRunAt *time.Time
		if req.IsScheduled {
			if req.CronExpression == nil || *req.CronExpression == "" {
				response.Error(w, http.StatusBadRequest, "cron_expression is required for scheduled pipelines", nil)
				return
			}
			next, err := schedule.NextRun(*req.CronExpression, time.Now().UTC())
			if err != nil {
				response.Error(w, http.StatusBadRequest, "Invalid cron_expression", nil)
				return
			}
			nextRunAt = &next
		}

		createdBy := userRef(r)
		p := &models.Pipeline{
			ID:             uuid.New(),
			TenantID:       tenantID,
			Name:           req.Name,
			Description:    req.Description,
			Version:        req.Version,
			Type:           models.PipelineType(req.PipelineType),
			Status:         models.PipelineStatusDraft,
			Definition:     req.Definition,
			Config:         req.Config,
			TimeoutSec:     req.TimeoutSec,
			RetryCount:     retry,
			MaxParallelism: parallelism,
			MemoryLimitMB:  req.MemoryLimitMB,
			CPULimit:       req.CPULimit,
			GPURequired:    req.GPURequired,
			IsScheduled:    req.IsScheduled,
			CronExpression: req.CronExpression,
			NextRunAt:      nextRunAt,
			Tags:           req.Tags,
			Metadata:       req.Metadata,
		}
		p.CreatedBy = createdBy
		if p.Definition == nil {
			p.Definition = map[string]any{}
		}

		steps := make([]*models.PipelineStep, 0, len(req.Steps))
		seen := make(map[string]bool, len(req.Steps))
		for _, in := range req.Steps {
			if msg, ok := in.validate(); !ok {
				response.Error(w, http.StatusBadRequest, msg, nil)
				return
			}
			if seen[in.Name] {
				response.Error(w, http.StatusBadRequest,
					fmt.Sprintf("duplicate step name %q", in.Name), nil)
				return
			}
			seen[in.Name] = true
			steps = append(steps, in.toModel(tenantID, p.ID, createdBy))
		}

		if err := svc.CreatePipeline(r.Context(), p, steps); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict,
					"A pipeline with this name and version already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to create pipeline", nil)
			return
		}

		response.Created(w, "Pipeline created", p)
	}
}

// NewListPipelinesHandler returns the handler for GET /api/v1/pipelines.
// Responses are cached briefly per tenant and filter; writes tolerate the
// staleness window.
func NewListPipelinesHandler(svc PipelineService, c cache.Cache) http.HandlerFunc {
	type listPayload struct {
		Items []*models.Pipeline `json:"items"`
		Total int                `json:"total"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		skip, limit, ok := pagination(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := store.PipelineFilter{
			TenantID: tenantID,
			Search:   q.Get("search"),
			Skip:     skip,
			Limit:    limit,
		}
		if t := q.Get("type"); t != "" {
			if !models.ValidPipelineType(models.PipelineType(t)) {
				response.Error(w, http.StatusBadRequest, "Invalid type filter", nil)
				return
			}
			filter.Type = models.PipelineType(t)
		}
		if s := q.Get("status"); s != "" {
			if !models.ValidPipelineStatus(models.PipelineStatus(s)) {
				response.Error(w, http.StatusBadRequest, "Invalid status filter", nil)
				return
			}
			filter.Status = models.PipelineStatus(s)
		}

		key := cache.PipelineListKey(tenantID, filterHash(filter))
		if raw, hit, err := c.Get(r.Context(), key); err == nil && hit {
			var cached listPayload
			if json.Unmarshal(raw, &cached) == nil {
				response.Collection(w, "Pipelines retrieved", cached.Items,
					response.NewPagination(skip, limit, cached.Total))
				return
			}
		}

		items, total, err := svc.ListPipelines(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to list pipelines", nil)
			return
		}
		if items == nil {
			items = []*models.Pipeline{}
		}

		if raw, err := json.Marshal(listPayload{Items: items, Total: total}); err == nil {
			_ = c.Set(r.Context(), key, raw, listCacheTTL)
		}

		response.Collection(w, "Pipelines retrieved", items,
			response.NewPagination(skip, limit, total))
	}
}

func filterHash(f store.PipelineFilter) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", f.Type, f.Status, f.Search, f.Skip, f.Limit)
	return fmt.Sprintf("%x", h.Sum64())
}

// NewGetPipelineHandler returns the handler for GET /api/v1/pipelines/{id}.
// include_steps and include_executions expand the response.
func NewGetPipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}

		p, err := svc.GetPipeline(r.Context(), tenantID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to get pipeline", nil)
			return
		}

		data := map[string]any{"pipeline": p}
		q := r.URL.Query()

		if q.Get("include_steps") == "true" {
			steps, err := svc.ListSteps(r.Context(), p.ID)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "Failed to list steps", nil)
				return
			}
			if steps == nil {
				steps = []*models.PipelineStep{}
			}
			data["steps"] = steps
		}
		if q.Get("include_executions") == "true" {
			execs, _, err := svc.ListExecutions(r.Context(), store.ExecutionFilter{
				TenantID:   tenantID,
				PipelineID: p.ID,
				Limit:      10,
			})
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "Failed to list executions", nil)
				return
			}
			if execs == nil {
				execs = []*models.PipelineExecution{}
			}
			data["executions"] = execs
		}

		response.JSON(w, "Pipeline retrieved", data)
	}
}

// NewUpdatePipelineHandler returns the handler for PUT /api/v1/pipelines/{id}.
// Only whitelisted fields are mutable; identity, tenant, and status are not.
func NewUpdatePipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}

		var req struct {
			Name           *string        `json:"name"`
			Description    *string        `json:"description"`
			Version        *string        `json:"version"`
			Definition     map[string]any `json:"definition"`
			Config         map[string]any `json:"config"`
			TimeoutSec     *int           `json:"timeout"`
			RetryCount     *int           `json:"retry_count"`
			MaxParallelism *int           `json:"max_parallelism"`
			MemoryLimitMB  *int           `json:"memory_limit"`
			CPULimit       *float64       `json:"cpu_limit"`
			GPURequired    *bool          `json:"gpu_required"`
			IsScheduled    *bool          `json:"is_scheduled"`
			CronExpression *string        `json:"cron_expression"`
			Tags           []string       `json:"tags"`
			Metadata       map[string]any `json:"metadata"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		if req.Name != nil && *req.Name == "" {
			response.Error(w, http.StatusBadRequest, "name must not be empty", nil)
			return
		}
		if req.RetryCount != nil && (*req.RetryCount < 0 || *req.RetryCount > 10) {
			response.Error(w, http.StatusBadRequest, "retry_count must be between 0 and 10", nil)
			return
		}
		if req.MaxParallelism != nil && (*req.MaxParallelism < 1 || *req.MaxParallelism > 10) {
			response.Error(w, http.StatusBadRequest, "max_parallelism must be between 1 and 10", nil)
			return
		}

		params := store.UpdatePipelineParams{
			Name:           req.Name,
			Description:    req.Description,
			Version:        req.Version,
			Definition:     req.Definition,
			Config:         req.Config,
			TimeoutSec:     req.TimeoutSec,
			RetryCount:     req.RetryCount,
			MaxParallelism: req.MaxParallelism,
			MemoryLimitMB:  req.MemoryLimitMB,
			CPULimit:       req.CPULimit,
			GPURequired:    req.GPURequired,
			IsScheduled:    req.IsScheduled,
			CronExpression: req.CronExpression,
			Tags:           req.Tags,
			Metadata:       req.Metadata,
			UpdatedBy:      userRef(r),
		}

		if req.CronExpression != nil && *req.CronExpression != "" {
			next, err := schedule.NextRun(*req.CronExpression, time.Now().UTC())
			if err != nil {
				response.Error(w, http.StatusBadRequest, "Invalid cron_expression", nil)
				return
			}
			params.NextRunAt = &next
		}

		p, err := svc.UpdatePipeline(r.Context(), tenantID, id, params)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
			case errors.Is(err, store.ErrDuplicateKey):
				response.Error(w, http.StatusConflict,
					"A pipeline with this name and version already exists", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "Failed to update pipeline", nil)
			}
			return
		}

		response.JSON(w, "Pipeline updated", p)
	}
}

// NewDeletePipelineHandler returns the handler for DELETE /api/v1/pipelines/{id}.
// Deletion is soft; executions and history remain queryable.
func NewDeletePipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}

		if err := svc.SoftDeletePipeline(r.Context(), tenantID, id, userRef(r)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to delete pipeline", nil)
			return
		}

		response.JSON(w, "Pipeline deleted", nil)
	}
}

// NewUpdatePipelineStatusHandler returns the handler for
// PUT /api/v1/pipelines/{id}/status.
func NewUpdatePipelineStatusHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if !models.ValidPipelineStatus(models.PipelineStatus(req.Status)) {
			response.Error(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}

		p, err := svc.UpdatePipelineStatus(r.Context(), tenantID, id,
			models.PipelineStatus(req.Status), userRef(r))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to update status", nil)
			return
		}

		response.JSON(w, "Pipeline status updated", p)
	}
}

// NewValidatePipelineHandler returns the handler for
// POST /api/v1/pipelines/{id}/validate. Dry validation: no state changes.
func NewValidatePipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, chi.URLParam(r, "pipelineID"), "pipeline id")
		if !ok {
			return
		}

		p, err := svc.GetPipeline(r.Context(), tenantID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Pipeline not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "Failed to get pipeline", nil)
			return
		}
		steps, err := svc.ListSteps(r.Context(), p.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to list steps", nil)
			return
		}

		result := engine.Validate(p, steps)
		msg := "Pipeline is valid"
		if !result.OK() {
			msg = "Pipeline validation failed"
		}
		response.JSON(w, msg, map[string]any{
			"valid":  result.OK(),
			"result": result,
		})
	}
}

// NewPipelineStatsHandler returns the handler for GET /api/v1/pipelines/stats.
func NewPipelineStatsHandler(svc PipelineService, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}

		key := cache.PipelineStatsKey(tenantID)
		if raw, hit, err := c.Get(r.Context(), key); err == nil && hit {
			var cached store.PipelineStats
			if json.Unmarshal(raw, &cached) == nil {
				response.JSON(w, "Pipeline stats retrieved", &cached)
				return
			}
		}

		stats, err := svc.PipelineStats(r.Context(), tenantID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to get pipeline stats", nil)
			return
		}

		if raw, err := json.Marshal(stats); err == nil {
			_ = c.Set(r.Context(), key, raw, statsCacheTTL)
		}

		response.JSON(w, "Pipeline stats retrieved", stats)
	}
}
