package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PrefsCacheTTL bounds how stale a cached preferences record can be.
const PrefsCacheTTL = 5 * time.Minute

// PrefsCache holds JSON-encoded preference records with a TTL so the hot
// send path avoids a database round trip per recipient.
type PrefsCache struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewPrefsCache creates a preferences cache with the default TTL.
func NewPrefsCache(client *Client, logger *zap.Logger) *PrefsCache {
	return &PrefsCache{
		client: client,
		logger: logger,
		ttl:    PrefsCacheTTL,
	}
}

func (c *PrefsCache) buildKey(tenantID, userID string) string {
	return fmt.Sprintf("prefs:%s:%s", tenantID, userID)
}

// Get returns the cached JSON blob, or (nil, nil) on a miss.
func (c *PrefsCache) Get(ctx context.Context, tenantID, userID string) ([]byte, error) {
	val, err := c.client.rdb.Get(ctx, c.buildKey(tenantID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Set stores the JSON blob with the cache TTL.
func (c *PrefsCache) Set(ctx context.Context, tenantID, userID string, data []byte) error {
	if err := c.client.rdb.Set(ctx, c.buildKey(tenantID, userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached record. Called on preference updates.
func (c *PrefsCache) Invalidate(ctx context.Context, tenantID, userID string) error {
	if err := c.client.rdb.Del(ctx, c.buildKey(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
