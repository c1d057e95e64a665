package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// CreateRuleRequest is the request body for POST /rules.
type CreateRuleRequest struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Type      domain.RuleType `json:"type,omitempty"`
	Condition string          `json:"condition,omitempty"`
	Operator  domain.Operator `json:"operator,omitempty"`
	SubRules  []string        `json:"subRules,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

// ListRules returns all stored rules in load order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListRules(r.Context())
	if err != nil {
		writeDomainError(w, err, "rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a rule. It applies to the next evaluation.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule := &domain.Rule{
		ID:        req.ID,
		Name:      strings.TrimSpace(req.Name),
		Type:      domain.RuleType(strings.ToUpper(string(req.Type))),
		Condition: req.Condition,
		Operator:  domain.Operator(strings.ToUpper(string(req.Operator))),
		SubRules:  req.SubRules,
		Enabled:   true,
		CreatedBy: GetUserID(r.Context()),
		CreatedAt: time.Now().UTC(),
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Type == "" {
		rule.Type = domain.RuleSimple
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := h.rules.Validate(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if err := h.repo.SaveRule(r.Context(), rule); err != nil {
		writeDomainError(w, err, "rule")
		return
	}

	slog.Info("rule saved", "rule_id", rule.ID, "name", rule.Name, "user_id", rule.CreatedBy)
	writeJSON(w, http.StatusCreated, rule)
}

// ToggleRule handles PUT /rules/{id}/toggle?enabled=true|false.
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.repo.SetRuleEnabled(r.Context(), id, enabled); err != nil {
		writeDomainError(w, err, "rule")
		return
	}

	slog.Info("rule toggled", "rule_id", id, "enabled", enabled, "user_id", GetUserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"enabled": enabled,
	})
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteRule(r.Context(), id); err != nil {
		writeDomainError(w, err, "rule")
		return
	}

	slog.Info("rule deleted", "rule_id", id, "user_id", GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
