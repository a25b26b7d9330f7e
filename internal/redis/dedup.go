package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DedupTTL is how long a deduplication key suppresses repeat sends.
	// Entries expire after one hour and are cleared by Redis on expiry.
	DedupTTL = 1 * time.Hour

	// reserveTTL is the lock duration while a send is being processed.
	reserveTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDedupInFlight indicates another send with the same deduplication key is
// currently being processed.
var ErrDedupInFlight = errors.New("duplicate send: deduplication key in flight")

// DedupEntry is the cached outcome for a deduplication key.
type DedupEntry struct {
	NotificationID string `json:"notification_id"`
	CreatedAt      int64  `json:"created_at"`
}

// DedupCache collapses repeated send requests that carry the same
// deduplication key into one delivery. Keys are namespaced per tenant so
// two tenants may reuse the same key safely.
type DedupCache struct {
	client *Client
	logger *zap.Logger
}

// NewDedupCache creates a deduplication cache.
func NewDedupCache(client *Client, logger *zap.Logger) *DedupCache {
	return &DedupCache{
		client: client,
		logger: logger,
	}
}

func (c *DedupCache) buildKey(tenantID, dedupKey string) string {
	return fmt.Sprintf("dedup:%s:%s", tenantID, dedupKey)
}

// Check retrieves a cached entry for a deduplication key.
// Returns (nil, nil) if the key doesn't exist, (entry, nil) on a hit,
// or ErrDedupInFlight if the key is currently being processed.
func (c *DedupCache) Check(ctx context.Context, tenantID, dedupKey string) (*DedupEntry, error) {
	key := c.buildKey(tenantID, dedupKey)

	val, err := c.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDedupInFlight
	}

	var entry DedupEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		c.logger.Error("failed to unmarshal dedup entry", zap.Error(err))
		return nil, fmt.Errorf("invalid cached entry: %w", err)
	}

	c.logger.Debug("dedup cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("notification_id", entry.NotificationID),
	)

	return &entry, nil
}

// Store saves the notification id produced for a deduplication key.
func (c *DedupCache) Store(ctx context.Context, tenantID, dedupKey, notificationID string) error {
	key := c.buildKey(tenantID, dedupKey)

	data, err := json.Marshal(DedupEntry{
		NotificationID: notificationID,
		CreatedAt:      time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := c.client.rdb.Set(ctx, key, data, DedupTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve acquires the key with SET NX while the first send is in flight.
// Returns true if acquired, false if the key already exists.
func (c *DedupCache) Reserve(ctx context.Context, tenantID, dedupKey string) (bool, error) {
	key := c.buildKey(tenantID, dedupKey)

	set, err := c.client.rdb.SetNX(ctx, key, processingMarker, reserveTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve atomically checks for an existing entry or reserves the
// key. Returns the cached entry on a hit, nil when reserved, or
// ErrDedupInFlight when another send holds the reservation.
func (c *DedupCache) CheckOrReserve(ctx context.Context, tenantID, dedupKey string) (*DedupEntry, error) {
	entry, err := c.Check(ctx, tenantID, dedupKey)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}

	reserved, err := c.Reserve(ctx, tenantID, dedupKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDedupInFlight
	}
	return nil, nil
}

// Release drops a reservation after a failed send so a retry is not
// suppressed by the processing marker.
func (c *DedupCache) Release(ctx context.Context, tenantID, dedupKey string) error {
	key := c.buildKey(tenantID, dedupKey)
	if err := c.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
