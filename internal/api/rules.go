package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/escalate"
	"github.com/careloop/pulse/internal/store"
)

// CreateEscalationRule handles POST /v1/escalation-rules
func (h *Handler) CreateEscalationRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule store.EscalationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := escalate.ValidateRule(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid escalation rule", err.Error())
		return
	}

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	if err := h.rules.CreateEscalationRule(ctx, &rule); err != nil {
		h.logger.Error("failed to create escalation rule",
			zap.Error(err),
			zap.String("tenant_id", rule.TenantID.String()),
			zap.String("name", rule.Name),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create escalation rule", "")
		return
	}

	h.logger.Info("escalation rule created",
		zap.String("id", rule.ID.String()),
		zap.String("tenant_id", rule.TenantID.String()),
		zap.String("name", rule.Name),
		zap.Int("steps", len(rule.Steps)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(&rule)
}

// ListEscalationRules handles GET /v1/escalation-rules?tenant_id=xxx
func (h *Handler) ListEscalationRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	rules, err := h.rules.ListEscalationRules(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to list escalation rules",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list escalation rules", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  rules,
		"count": len(rules),
	})
}

// GetEscalationRule handles GET /v1/escalation-rules/{id}
func (h *Handler) GetEscalationRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	rule, err := h.rules.GetEscalationRule(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Escalation rule not found", "")
			return
		}
		h.logger.Error("failed to get escalation rule", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get escalation rule", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rule)
}

// DeleteEscalationRule handles DELETE /v1/escalation-rules/{id}
func (h *Handler) DeleteEscalationRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.rules.DeleteEscalationRule(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Escalation rule not found", "")
			return
		}
		h.logger.Error("failed to delete escalation rule", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete escalation rule", "")
		return
	}

	h.logger.Info("escalation rule deleted", zap.String("id", id.String()))

	w.WriteHeader(http.StatusNoContent)
}
