// Package prefs manages per-user, per-tenant notification settings and the
// quiet-hours suppression window.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetPreferences(ctx context.Context, userID, tenantID uuid.UUID) (*store.Preferences, error)
	PutPreferences(ctx context.Context, p *store.Preferences) error
}

// Cache is a TTL byte cache; nil disables caching.
type Cache interface {
	Get(ctx context.Context, tenantID, userID string) ([]byte, error)
	Set(ctx context.Context, tenantID, userID string, data []byte) error
	Invalidate(ctx context.Context, tenantID, userID string) error
}

// Manager resolves effective notification preferences. Reads go through the
// TTL cache; users without a stored row get defaults (everything enabled).
type Manager struct {
	store  Store
	cache  Cache
	logger *zap.Logger
}

// NewManager creates a preference manager.
func NewManager(s Store, cache Cache, logger *zap.Logger) *Manager {
	return &Manager{
		store:  s,
		cache:  cache,
		logger: logger,
	}
}

// Get returns the effective preferences for a user.
func (m *Manager) Get(ctx context.Context, userID, tenantID uuid.UUID) (*store.Preferences, error) {
	if m.cache != nil {
		data, err := m.cache.Get(ctx, tenantID.String(), userID.String())
		if err != nil {
			m.logger.Warn("prefs cache read failed", zap.Error(err))
		} else if data != nil {
			var p store.Preferences
			if err := json.Unmarshal(data, &p); err == nil {
				return &p, nil
			}
			m.logger.Warn("invalid cached preferences, falling through", zap.Error(err))
		}
	}

	p, err := m.store.GetPreferences(ctx, userID, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		p = store.DefaultPreferences(userID, tenantID)
	} else if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			if err := m.cache.Set(ctx, tenantID.String(), userID.String(), data); err != nil {
				m.logger.Warn("prefs cache write failed", zap.Error(err))
			}
		}
	}
	return p, nil
}

// Put validates and persists a preferences record and invalidates the
// cached copy.
func (m *Manager) Put(ctx context.Context, p *store.Preferences) error {
	if err := Validate(p); err != nil {
		return err
	}

	if err := m.store.PutPreferences(ctx, p); err != nil {
		return err
	}

	if m.cache != nil {
		if err := m.cache.Invalidate(ctx, p.TenantID.String(), p.UserID.String()); err != nil {
			m.logger.Warn("prefs cache invalidation failed", zap.Error(err))
		}
	}

	m.logger.Info("preferences updated",
		zap.String("user_id", p.UserID.String()),
		zap.String("tenant_id", p.TenantID.String()),
	)
	return nil
}

// Validate checks a preferences record for storable shape.
func Validate(p *store.Preferences) error {
	if p.UserID == uuid.Nil || p.TenantID == uuid.Nil {
		return errors.New("user_id and tenant_id are required")
	}

	for ch := range p.Channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	for _, cp := range p.Categories {
		for _, ch := range cp.Channels {
			if !ch.Valid() {
				return fmt.Errorf("unknown channel %q in category preference", ch)
			}
		}
		if cp.Priority != nil && !cp.Priority.Valid() {
			return fmt.Errorf("unknown priority %q in category preference", *cp.Priority)
		}
	}

	if p.DigestEnabled && p.DigestIntervalMinutes <= 0 {
		return errors.New("digest interval must be positive when digests are enabled")
	}

	return ValidateQuietHours(p.QuietHours)
}
