package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/hub"
	"github.com/careloop/pulse/internal/store"
)

// BatchRequest represents the incoming batch send body. The notification
// carries everything except recipients, which are listed separately.
type BatchRequest struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	Recipients   []uuid.UUID     `json:"recipients"`
	Notification hub.SendRequest `json:"notification"`
}

// CreateBatch handles POST /v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id is required")
		return
	}
	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "at least one recipient is required")
		return
	}

	req.Notification.TenantID = req.TenantID

	batchID, err := h.batches.Process(ctx, req.TenantID, req.Recipients, &req.Notification)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch request", err.Error())
		return
	}

	h.logger.Info("batch accepted",
		zap.String("batch_id", batchID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int("recipients", len(req.Recipients)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"batch_id": batchID.String()})
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	b, err := h.batches.Status(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Batch not found", "")
			return
		}
		h.logger.Error("failed to get batch", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get batch", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(b)
}

// CancelBatch handles POST /v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	status, err := h.batches.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Batch not found", "")
			return
		}
		h.logger.Error("failed to cancel batch", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel batch", "")
		return
	}

	h.logger.Info("batch cancel requested",
		zap.String("id", id.String()),
		zap.String("status", string(status)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": string(status),
	})
}
