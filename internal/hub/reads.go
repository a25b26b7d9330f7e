package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/metrics"
	"github.com/careloop/pulse/internal/store"
)

// MarkAsRead marks a notification read on behalf of its recipient, cancels
// pending escalation and records an opened event. Only the recipient may
// read their own notification.
func (h *Hub) MarkAsRead(ctx context.Context, id, userID uuid.UUID) error {
	n, err := h.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.RecipientID != userID {
		return ErrNotOwner
	}

	if err := h.store.MarkRead(ctx, id, time.Now().UTC()); err != nil {
		return err
	}

	h.cancelEscalation(ctx, id)
	h.analytics.Record(ctx, n, store.EventOpened, "")
	return nil
}

// MarkAllAsRead marks every unread notification for the user read and
// cancels their pending escalations.
func (h *Hub) MarkAllAsRead(ctx context.Context, userID, tenantID uuid.UUID) (int, error) {
	ids, err := h.store.MarkAllRead(ctx, userID, tenantID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		h.cancelEscalation(ctx, id)
	}
	h.logger.Info("marked all read",
		zap.String("user_id", userID.String()),
		zap.Int("count", len(ids)),
	)
	return len(ids), nil
}

// Dismiss dismisses a notification for its recipient.
func (h *Hub) Dismiss(ctx context.Context, id, userID uuid.UUID) error {
	n, err := h.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.RecipientID != userID {
		return ErrNotOwner
	}

	if err := h.store.Dismiss(ctx, id, time.Now().UTC()); err != nil {
		return err
	}

	h.cancelEscalation(ctx, id)
	h.analytics.Record(ctx, n, store.EventDismissed, "")
	return nil
}

// Delete removes a notification for its recipient.
func (h *Hub) Delete(ctx context.Context, id, userID uuid.UUID) error {
	n, err := h.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.RecipientID != userID {
		return ErrNotOwner
	}

	h.cancelEscalation(ctx, id)
	return h.store.DeleteNotification(ctx, id)
}

// GetNotification loads one notification, enforcing ownership.
func (h *Hub) GetNotification(ctx context.Context, id, userID uuid.UUID) (*store.Notification, error) {
	n, err := h.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != userID {
		return nil, ErrNotOwner
	}
	return n, nil
}

// GetNotifications lists a recipient's notifications newest-first.
func (h *Hub) GetNotifications(ctx context.Context, q store.NotificationQuery) ([]*store.Notification, error) {
	return h.store.ListNotifications(ctx, q)
}

// GetUnreadCount returns the recipient's unread total.
func (h *Hub) GetUnreadCount(ctx context.Context, userID, tenantID uuid.UUID) (int, error) {
	return h.store.UnreadCount(ctx, userID, tenantID)
}

// TrackEvent records a recipient interaction with a notification.
// Clients report clicked and actioned through this path; the rest of the
// lifecycle (sent, delivered, opened, dismissed, failed) is recorded by
// the pipeline itself and cannot be injected.
func (h *Hub) TrackEvent(ctx context.Context, id, userID uuid.UUID, event store.EventType) error {
	switch event {
	case store.EventClicked, store.EventActioned:
	default:
		return fmt.Errorf("%w: %s", ErrUntrackableEvent, event)
	}

	n, err := h.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.RecipientID != userID {
		return ErrNotOwner
	}

	h.analytics.Record(ctx, n, event, "")
	return nil
}

func (h *Hub) cancelEscalation(ctx context.Context, id uuid.UUID) {
	if h.escalator == nil {
		return
	}
	if err := h.escalator.Cancel(ctx, id); err != nil {
		h.logger.Warn("escalation cancel failed",
			zap.String("notification_id", id.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordEscalationCancelled()
}

// Resend re-delivers an existing notification's content through the given
// channels as a fresh notification referencing the original. Used by the
// escalation engine; the original record is never mutated.
func (h *Hub) Resend(ctx context.Context, original *store.Notification, channels []store.Channel, priority store.Priority, recipientID uuid.UUID) (uuid.UUID, error) {
	if priority == "" {
		priority = original.Priority
	}
	if recipientID == uuid.Nil {
		recipientID = original.RecipientID
	}

	meta := make(map[string]string, len(original.Metadata)+1)
	for k, v := range original.Metadata {
		meta[k] = v
	}
	meta[store.MetaEscalatedFrom] = original.ID.String()

	req := &SendRequest{
		TenantID:    original.TenantID,
		Recipients:  []uuid.UUID{recipientID},
		Title:       original.Title,
		Message:     original.Message,
		Subtitle:    original.Subtitle,
		Category:    original.Category,
		Priority:    priority,
		Channels:    channels,
		Metadata:    meta,
		Actions:     original.Actions,
		GroupKey:    original.GroupKey,
		ExpiresAt:   original.ExpiresAt,
	}

	result, err := h.Send(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if len(result.NotificationIDs) == 0 {
		if len(result.Errors) > 0 {
			return uuid.Nil, fmt.Errorf("escalation resend failed: %s", result.Errors[0].Error)
		}
		return uuid.Nil, fmt.Errorf("escalation resend produced no notification")
	}
	return result.NotificationIDs[0], nil
}
