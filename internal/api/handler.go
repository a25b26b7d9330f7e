package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/analytics"
	"github.com/careloop/pulse/internal/hub"
	"github.com/careloop/pulse/internal/store"
)

// HubService is the notification hub surface the API exposes.
type HubService interface {
	Send(ctx context.Context, req *hub.SendRequest) (*hub.SendResult, error)
	GetNotification(ctx context.Context, id, userID uuid.UUID) (*store.Notification, error)
	GetNotifications(ctx context.Context, q store.NotificationQuery) ([]*store.Notification, error)
	GetUnreadCount(ctx context.Context, userID, tenantID uuid.UUID) (int, error)
	MarkAsRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID, tenantID uuid.UUID) (int, error)
	Dismiss(ctx context.Context, id, userID uuid.UUID) error
	Delete(ctx context.Context, id, userID uuid.UUID) error
	TrackEvent(ctx context.Context, id, userID uuid.UUID, event store.EventType) error
}

// BatchService runs multi-recipient fan-outs.
type BatchService interface {
	Process(ctx context.Context, tenantID uuid.UUID, recipients []uuid.UUID, req *hub.SendRequest) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (*store.Batch, error)
	Cancel(ctx context.Context, id uuid.UUID) (store.BatchStatus, error)
}

// RuleRepository defines the escalation rule database operations.
type RuleRepository interface {
	CreateEscalationRule(ctx context.Context, rule *store.EscalationRule) error
	GetEscalationRule(ctx context.Context, id uuid.UUID) (*store.EscalationRule, error)
	ListEscalationRules(ctx context.Context, tenantID uuid.UUID) ([]*store.EscalationRule, error)
	DeleteEscalationRule(ctx context.Context, id uuid.UUID) error
}

// AnalyticsService answers delivery analytics queries.
type AnalyticsService interface {
	NotificationTrail(ctx context.Context, notificationID uuid.UUID) ([]*store.AnalyticsEvent, error)
	TenantSummary(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*analytics.Summary, error)
	TimeSeries(ctx context.Context, tenantID uuid.UUID, from, to time.Time, interval time.Duration) ([]store.TimeBucket, error)
	Funnel(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]analytics.FunnelStage, error)
	ExportCSV(ctx context.Context, w io.Writer, tenantID uuid.UUID, from, to time.Time) error
	ExportJSON(ctx context.Context, w io.Writer, tenantID uuid.UUID, from, to time.Time) error
}

// PreferencesManager reads and writes per-user notification preferences.
type PreferencesManager interface {
	Get(ctx context.Context, userID, tenantID uuid.UUID) (*store.Preferences, error)
	Put(ctx context.Context, p *store.Preferences) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	hub       HubService
	batches   BatchService
	rules     RuleRepository
	analytics AnalyticsService
	prefs     PreferencesManager
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, hub HubService, batches BatchService, rules RuleRepository, analytics AnalyticsService, prefs PreferencesManager) *Handler {
	return &Handler{
		logger:    logger,
		hub:       hub,
		batches:   batches,
		rules:     rules,
		analytics: analytics,
		prefs:     prefs,
	}
}

// SendNotification handles POST /v1/notifications
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req hub.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	result, err := h.hub.Send(ctx, &req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid send request", err.Error())
		return
	}

	h.logger.Info("send request processed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int("notifications", len(result.NotificationIDs)),
		zap.Int("recipient_errors", len(result.Errors)),
	)

	status := http.StatusCreated
	if !result.Success {
		// Some or all recipients failed; the body carries the detail.
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// ListNotifications handles GET /v1/notifications?recipient_id=xxx&tenant_id=xxx&status=unread&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipientID, ok := h.queryUUID(w, r, "recipient_id")
	if !ok {
		return
	}
	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	q := store.NotificationQuery{
		RecipientID: recipientID,
		TenantID:    tenantID,
		Limit:       20,
	}

	for _, s := range r.URL.Query()["status"] {
		switch st := store.Status(s); st {
		case store.StatusPending, store.StatusSending, store.StatusSent,
			store.StatusFailed, store.StatusRead:
			q.Statuses = append(q.Statuses, st)
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be one of: pending, sending, sent, failed, read")
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			q.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			q.Offset = o
		}
	}

	notifications, err := h.hub.GetNotifications(ctx, q)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("recipient_id", recipientID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  q.Limit,
		"offset": q.Offset,
		"count":  len(notifications),
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}

	notif, err := h.hub.GetNotification(ctx, id, userID)
	if err != nil {
		h.writeHubError(w, err, "Failed to get notification")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.hub.MarkAsRead(ctx, id, userID); err != nil {
		h.writeHubError(w, err, "Failed to mark notification read")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": string(store.StatusRead),
	})
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}
	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	updated, err := h.hub.MarkAllAsRead(ctx, userID, tenantID)
	if err != nil {
		h.logger.Error("failed to mark all read",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"updated": updated})
}

// DismissNotification handles POST /v1/notifications/{id}/dismiss
func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.hub.Dismiss(ctx, id, userID); err != nil {
		h.writeHubError(w, err, "Failed to dismiss notification")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": "dismissed",
	})
}

// TrackNotificationEvent handles POST /v1/notifications/{id}/events.
// Clients report click and action interactions here so the engagement
// analytics (click rate, funnel) see real traffic.
func (h *Handler) TrackNotificationEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}

	var body struct {
		Event string `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	err := h.hub.TrackEvent(ctx, id, userID, store.EventType(body.Event))
	if errors.Is(err, hub.ErrUntrackableEvent) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event",
			"event must be one of: clicked, actioned")
		return
	}
	if err != nil {
		h.writeHubError(w, err, "Failed to record notification event")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":    id.String(),
		"event": body.Event,
	})
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.hub.Delete(ctx, id, userID); err != nil {
		h.writeHubError(w, err, "Failed to delete notification")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.queryUUID(w, r, "user_id")
	if !ok {
		return
	}
	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	count, err := h.hub.GetUnreadCount(ctx, userID, tenantID)
	if err != nil {
		h.logger.Error("failed to get unread count",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get unread count", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"unread": count})
}

// writeHubError maps hub errors on single-notification operations to
// HTTP statuses.
func (h *Handler) writeHubError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, hub.ErrNotOwner):
		h.writeError(w, http.StatusForbidden, "forbidden", "Notification belongs to another user", "")
	default:
		h.logger.Error("notification operation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
	}
}

// pathUUID parses a chi URL parameter as a UUID, writing a 400 on failure.
func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryUUID parses a required query parameter as a UUID.
func (h *Handler) queryUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing "+name, name+" query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
