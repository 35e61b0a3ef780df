package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/pipeflow-io/pipeflow/internal/api/middleware"
	"github.com/pipeflow-io/pipeflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	ListPipelines        http.HandlerFunc
	PipelineStats        http.HandlerFunc
	CreatePipeline       http.HandlerFunc
	GetPipeline          http.HandlerFunc
	UpdatePipeline       http.HandlerFunc
	DeletePipeline       http.HandlerFunc
	UpdatePipelineStatus http.HandlerFunc
	ValidatePipeline     http.HandlerFunc

	ListSteps  http.HandlerFunc
	CreateStep http.HandlerFunc
	UpdateStep http.HandlerFunc
	DeleteStep http.HandlerFunc

	ExecutePipeline http.HandlerFunc
	ListExecutions  http.HandlerFunc
	GetExecution    http.HandlerFunc
	CancelExecution http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Tenant-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(mw.Tenant)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/pipelines", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.ListPipelines))
			r.Post("/", orNotImplemented(deps.CreatePipeline))
			r.Get("/stats", orNotImplemented(deps.PipelineStats))

			r.Route("/{pipelineID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetPipeline))
				r.Put("/", orNotImplemented(deps.UpdatePipeline))
				r.Delete("/", orNotImplemented(deps.DeletePipeline))
				r.Put("/status", orNotImplemented(deps.UpdatePipelineStatus))
				r.Post("/validate", orNotImplemented(deps.ValidatePipeline))

				r.Get("/steps", orNotImplemented(deps.ListSteps))
				r.Post("/steps", orNotImplemented(deps.CreateStep))
				r.Put("/steps/{stepID}", orNotImplemented(deps.UpdateStep))
				r.Delete("/steps/{stepID}", orNotImplemented(deps.DeleteStep))

				r.Post("/execute", orNotImplemented(deps.ExecutePipeline))
				r.Get("/executions", orNotImplemented(deps.ListExecutions))
			})
		})

		r.Route("/api/v1/executions/{executionID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetExecution))
			r.Post("/cancel", orNotImplemented(deps.CancelExecution))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "Endpoint not implemented", nil)
	}
}
