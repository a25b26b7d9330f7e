package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

// InAppStore is the slice of the repository the in-app adapter needs.
type InAppStore interface {
	TrimRecipientIndex(ctx context.Context, recipientID, tenantID uuid.UUID, keep int) (int64, error)
}

// RealtimePublisher pushes events onto a user's realtime topic.
type RealtimePublisher interface {
	Publish(ctx context.Context, tenantID, userID string, event any) error
}

// InAppAdapter delivers to the recipient's in-app feed. The notification
// row is already persisted by the orchestrator, so delivery here means
// trimming the per-user feed to its cap and announcing the new entry on
// the recipient's realtime topic. An in-app delivery is considered
// delivered once the row exists; a realtime publish failure only costs
// the live update, not the notification.
type InAppAdapter struct {
	store     InAppStore
	publisher RealtimePublisher
	indexCap  int
	logger    *zap.Logger
}

// NewInAppAdapter creates the in-app adapter. indexCap bounds the
// per-user feed; older entries beyond it are purged on delivery.
func NewInAppAdapter(s InAppStore, publisher RealtimePublisher, indexCap int, logger *zap.Logger) *InAppAdapter {
	return &InAppAdapter{
		store:     s,
		publisher: publisher,
		indexCap:  indexCap,
		logger:    logger,
	}
}

func (a *InAppAdapter) Channel() store.Channel { return store.ChannelInApp }

// realtimeEvent is the payload published on the user's topic.
type realtimeEvent struct {
	Type         string    `json:"type"`
	Notification any       `json:"notification"`
	At           time.Time `json:"at"`
}

func (a *InAppAdapter) Deliver(ctx context.Context, n *store.Notification) error {
	trimmed, err := a.store.TrimRecipientIndex(ctx, n.RecipientID, n.TenantID, a.indexCap)
	if err != nil {
		a.logger.Warn("in-app index trim failed",
			zap.String("recipient_id", n.RecipientID.String()),
			zap.Error(err),
		)
	} else if trimmed > 0 {
		a.logger.Debug("trimmed in-app feed",
			zap.String("recipient_id", n.RecipientID.String()),
			zap.Int64("removed", trimmed),
		)
	}

	event := realtimeEvent{
		Type:         "notification.created",
		Notification: n,
		At:           time.Now().UTC(),
	}
	if err := a.publisher.Publish(ctx, n.TenantID.String(), n.RecipientID.String(), event); err != nil {
		a.logger.Warn("realtime publish failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}

	return nil
}
