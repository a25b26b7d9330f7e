package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/prefs"
	"github.com/careloop/pulse/internal/store"
)

// GetPreferences handles GET /v1/preferences/{userID}?tenant_id=xxx
// Users without a stored record get the defaults.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	p, err := h.prefs.Get(ctx, userID, tenantID)
	if err != nil {
		h.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preferences", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(p)
}

// PutPreferences handles PUT /v1/preferences/{userID}?tenant_id=xxx
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	var p store.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	// The path and query are authoritative over whatever the body says.
	p.UserID = userID
	p.TenantID = tenantID

	if err := prefs.Validate(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preferences", err.Error())
		return
	}

	if err := h.prefs.Put(ctx, &p); err != nil {
		h.logger.Error("failed to store preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store preferences", "")
		return
	}

	h.logger.Info("preferences updated",
		zap.String("user_id", userID.String()),
		zap.String("tenant_id", tenantID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&p)
}
