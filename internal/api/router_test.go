package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pipeflow-io/pipeflow/internal/api"
	mw "github.com/pipeflow-io/pipeflow/internal/api/middleware"
)

// --- stub cache for the rate limiter ---

type stubCache struct{}

func (s *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (s *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (s *stubCache) Delete(_ context.Context, _ string) error                         { return nil }
func (s *stubCache) Ping(_ context.Context) error                                     { return nil }
func (s *stubCache) SetExecutionStatus(_ context.Context, _, _ string, _ time.Duration) error {
	return nil
}
func (s *stubCache) GetExecutionStatus(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}
func (s *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func named(name string, hits map[string]int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hits[name]++
		w.WriteHeader(http.StatusOK)
	}
}

func newTestRouter(hits map[string]int) http.Handler {
	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(&stubCache{}, 1000),

		HealthHandler: named("health", hits),

		ListPipelines:        named("list_pipelines", hits),
		PipelineStats:        named("stats", hits),
		CreatePipeline:       named("create_pipeline", hits),
		GetPipeline:          named("get_pipeline", hits),
		UpdatePipeline:       named("update_pipeline", hits),
		DeletePipeline:       named("delete_pipeline", hits),
		UpdatePipelineStatus: named("update_status", hits),
		ValidatePipeline:     named("validate", hits),

		ListSteps:  named("list_steps", hits),
		CreateStep: named("create_step", hits),
		UpdateStep: named("update_step", hits),
		DeleteStep: named("delete_step", hits),

		ExecutePipeline: named("execute", hits),
		ListExecutions:  named("list_executions", hits),
		GetExecution:    named("get_execution", hits),
		CancelExecution: named("cancel_execution", hits),
	})
}

func TestRouter_HealthIsPublic(t *testing.T) {
	hits := map[string]int{}
	router := newTestRouter(hits)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, hits["health"])
}

func TestRouter_RoutesReachHandlers(t *testing.T) {
	pid := uuid.New().String()
	sid := uuid.New().String()

	tests := []struct {
		method  string
		target  string
		handler string
	}{
		{"GET", "/api/v1/pipelines", "list_pipelines"},
		{"POST", "/api/v1/pipelines", "create_pipeline"},
		{"GET", "/api/v1/pipelines/stats", "stats"},
		{"GET", "/api/v1/pipelines/" + pid, "get_pipeline"},
		{"PUT", "/api/v1/pipelines/" + pid, "update_pipeline"},
		{"DELETE", "/api/v1/pipelines/" + pid, "delete_pipeline"},
		{"PUT", "/api/v1/pipelines/" + pid + "/status", "update_status"},
		{"POST", "/api/v1/pipelines/" + pid + "/validate", "validate"},
		{"GET", "/api/v1/pipelines/" + pid + "/steps", "list_steps"},
		{"POST", "/api/v1/pipelines/" + pid + "/steps", "create_step"},
		{"PUT", "/api/v1/pipelines/" + pid + "/steps/" + sid, "update_step"},
		{"DELETE", "/api/v1/pipelines/" + pid + "/steps/" + sid, "delete_step"},
		{"POST", "/api/v1/pipelines/" + pid + "/execute", "execute"},
		{"GET", "/api/v1/pipelines/" + pid + "/executions", "list_executions"},
		{"GET", "/api/v1/executions/exec_abc123_1", "get_execution"},
		{"POST", "/api/v1/executions/exec_abc123_1/cancel", "cancel_execution"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			hits := map[string]int{}
			router := newTestRouter(hits)

			req := httptest.NewRequest(tt.method, tt.target, nil)
			req.Header.Set("X-Tenant-ID", uuid.New().String())
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, 1, hits[tt.handler])
		})
	}
}

func TestRouter_TenantRequired(t *testing.T) {
	hits := map[string]int{}
	router := newTestRouter(hits)

	req := httptest.NewRequest("GET", "/api/v1/pipelines", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, hits["list_pipelines"])
}

func TestRouter_RateLimitHeaders(t *testing.T) {
	hits := map[string]int{}
	router := newTestRouter(hits)

	req := httptest.NewRequest("GET", "/api/v1/pipelines", nil)
	req.Header.Set("X-Tenant-ID", uuid.New().String())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_MissingHandlerIs501(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(&stubCache{}, 1000),
	})

	req := httptest.NewRequest("GET", "/api/v1/pipelines", nil)
	req.Header.Set("X-Tenant-ID", uuid.New().String())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_UnknownRouteIs404(t *testing.T) {
	hits := map[string]int{}
	router := newTestRouter(hits)

	req := httptest.NewRequest("GET", "/api/v1/nope", nil)
	req.Header.Set("X-Tenant-ID", uuid.New().String())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
