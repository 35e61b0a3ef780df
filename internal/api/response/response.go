package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Details    any         `json:"details,omitempty"`
}

// Pagination describes the window of a collection response. It is derived
// from the skip/limit query parameters.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPagination converts a skip/limit window over total items into page
// numbering. Page is 1-based; a skip that lands mid-page reports the page
// containing the first returned item.
func NewPagination(skip, limit, total int) Pagination {
	if limit <= 0 {
		limit = 1
	}
	page := skip/limit + 1
	totalPages := (total + limit - 1) / limit
	return Pagination{
		Page:       page,
		PageSize:   limit,
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    skip+limit < total,
		HasPrev:    skip > 0,
	}
}

func JSON(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func Created(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: message, Data: data})
}

func Accepted(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Message: message, Data: data})
}

func Collection(w http.ResponseWriter, message string, data any, p Pagination) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data, Pagination: &p})
}

func Error(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, envelope{Success: false, Message: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
