package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ResolveCaseRequest is the body of POST /cases/{id}/resolve.
type ResolveCaseRequest struct {
	Resolution string `json:"resolution"`
}

// ListCases handles GET /cases. With ?mine=true the caller sees OPEN cases
// and the cases assigned to them; otherwise ?status= and ?assignedTo= filter.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		list []*domain.Case
		err  error
	)

	if mine, _ := strconv.ParseBool(q.Get("mine")); mine {
		list, err = h.cases.ListForAnalyst(ctx, GetUserID(ctx))
	} else {
		filter := domain.CaseFilter{
			Status:     domain.CaseStatus(strings.ToUpper(q.Get("status"))),
			AssignedTo: q.Get("assignedTo"),
		}
		if v := q.Get("limit"); v != "" {
			limit, convErr := strconv.Atoi(v)
			if convErr != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = limit
		}
		list, err = h.cases.List(ctx, filter)
	}
	if err != nil {
		writeDomainError(w, err, "cases")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cases": list,
		"count": len(list),
	})
}

// GetCase retrieves a case by ID.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ClaimCase assigns the case to the caller.
func (h *Handler) ClaimCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Claim(r.Context(), chi.URLParam(r, "id"), GetUserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AssignCase handles POST /cases/{id}/assign?user=.
func (h *Handler) AssignCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Assign(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("user"))
	if err != nil {
		writeDomainError(w, err, "case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResolveCase closes a case. The resolution comes from the JSON body or,
// failing that, the resolution query parameter.
func (h *Handler) ResolveCase(w http.ResponseWriter, r *http.Request) {
	var req ResolveCaseRequest
	if r.ContentLength != 0 {
		err := decodeBody(r, &req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}
	if req.Resolution == "" {
		req.Resolution = r.URL.Query().Get("resolution")
	}

	c, err := h.cases.Resolve(r.Context(), chi.URLParam(r, "id"), GetUserID(r.Context()), req.Resolution)
	if err != nil {
		writeDomainError(w, err, "case")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
