package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opensource-finance/harrier/internal/alert"
	"github.com/opensource-finance/harrier/internal/cases"
	"github.com/opensource-finance/harrier/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Evaluator runs a synchronous evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, applicantID string, attrs map[string]any) (*domain.EvaluationResult, error)
}

// RuleValidator checks a rule before it is stored.
type RuleValidator interface {
	Validate(rule *domain.Rule) error
}

// Deps are the collaborators served over HTTP. Bus, Cache and Alerts are
// optional.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Pipeline Evaluator
	Rules    RuleValidator
	Cases    *cases.Service
	Alerts   *alert.Broadcaster
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	pipeline Evaluator
	rules    RuleValidator
	cases    *cases.Service
	alerts   *alert.Broadcaster
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		pipeline: deps.Pipeline,
		rules:    deps.Rules,
		cases:    deps.Cases,
		alerts:   deps.Alerts,
		version:  deps.Version,
	}
}

// AcceptedResponse is returned for queued evaluations.
type AcceptedResponse struct {
	Status      string `json:"status"`
	ApplicantID string `json:"applicantId"`
	TraceID     string `json:"traceId,omitempty"`
}

// Evaluate handles POST /evaluate. With ?async=true the request is queued
// on the event bus and the decision is published on the decision topic.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApplicantID == "" {
		writeError(w, http.StatusBadRequest, "applicantId is required")
		return
	}
	if req.Attributes == nil {
		req.Attributes = map[string]any{}
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.enqueue(w, r, req)
		return
	}

	result, err := h.pipeline.Evaluate(ctx, req.ApplicantID, req.Attributes)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("evaluation failed",
			"applicant_id", req.ApplicantID,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, req domain.EvaluateRequest) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "attributes are not serializable")
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicEvaluationRequested, payload); err != nil {
		slog.Error("failed to queue evaluation", "applicant_id", req.ApplicantID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue evaluation")
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Status:      "accepted",
		ApplicantID: req.ApplicantID,
		TraceID:     GetTraceID(r.Context()),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			components[name] = "down"
			status = "degraded"
			return
		}
		components[name] = "up"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server can accept traffic. The repository is
// the only hard dependency.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// writeDomainError maps domain sentinel errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	default:
		slog.Error("request failed", "resource", what, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
