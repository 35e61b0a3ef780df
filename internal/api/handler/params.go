package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	mw "github.com/pipeflow-io/pipeflow/internal/api/middleware"
	"github.com/pipeflow-io/pipeflow/internal/api/response"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// pagination reads the skip/limit query parameters. skip defaults to 0,
// limit to 20 and is clamped into [1, 100]; negative or non-numeric values
// are rejected.
func pagination(w http.ResponseWriter, r *http.Request) (skip, limit int, ok bool) {
	skip, limit = 0, defaultLimit

	if raw := r.URL.Query().Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Error(w, http.StatusBadRequest, "skip must be a non-negative integer", nil)
			return 0, 0, false
		}
		skip = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			response.Error(w, http.StatusBadRequest, "limit must be between 1 and 100", nil)
			return 0, 0, false
		}
		limit = n
	}
	return skip, limit, true
}

// tenant returns the tenant set by the Tenant middleware, rejecting the
// request if it is somehow absent.
func tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "Missing tenant", nil)
		return uuid.Nil, false
	}
	return tenantID, ok
}

// userRef returns the acting user as an optional reference for audit
// columns.
func userRef(r *http.Request) *uuid.UUID {
	if id, ok := mw.GetUserID(r); ok {
		return &id
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return false
	}
	return true
}

// pathUUID parses a chi URL parameter as a UUID.
func pathUUID(w http.ResponseWriter, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}
