package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Publisher fans realtime in-app events out over per-user Redis topics.
// Portal sessions subscribe to their own topic; the hub only publishes.
type Publisher struct {
	client *Client
	logger *zap.Logger
}

// NewPublisher creates a realtime event publisher.
func NewPublisher(client *Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// UserTopic returns the per-user notification topic name.
func UserTopic(tenantID, userID string) string {
	return fmt.Sprintf("notify:%s:%s", tenantID, userID)
}

// Publish sends one event to a user's topic. Events are fire-and-forget:
// a user with no live session simply misses the realtime push and reads
// the record from the in-app index instead.
func (p *Publisher) Publish(ctx context.Context, tenantID, userID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := UserTopic(tenantID, userID)
	if err := p.client.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	p.logger.Debug("realtime event published", zap.String("topic", topic))
	return nil
}
