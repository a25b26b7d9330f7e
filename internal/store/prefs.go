package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetPreferences retrieves the stored settings for one (user, tenant).
// Returns ErrNotFound when no row exists; callers fall back to defaults.
func (r *Repository) GetPreferences(ctx context.Context, userID, tenantID uuid.UUID) (*Preferences, error) {
	query := `
		SELECT user_id, tenant_id, enabled, paused_until,
		       channels, categories, quiet_hours,
		       digest_enabled, digest_interval_minutes, updated_at
		FROM notification_prefs
		WHERE user_id = $1 AND tenant_id = $2
	`

	var (
		p          Preferences
		channels   []byte
		categories []byte
		quiet      []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, userID, tenantID).Scan(
		&p.UserID, &p.TenantID, &p.Enabled, &p.PausedUntil,
		&channels, &categories, &quiet,
		&p.DigestEnabled, &p.DigestIntervalMinutes, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preferences for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channel prefs: %w", err)
	}
	if err := json.Unmarshal(categories, &p.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal category prefs: %w", err)
	}
	if err := json.Unmarshal(quiet, &p.QuietHours); err != nil {
		return nil, fmt.Errorf("unmarshal quiet hours: %w", err)
	}
	return &p, nil
}

// PutPreferences upserts the settings row.
func (r *Repository) PutPreferences(ctx context.Context, p *Preferences) error {
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("marshal channel prefs: %w", err)
	}
	categories, err := json.Marshal(p.Categories)
	if err != nil {
		return fmt.Errorf("marshal category prefs: %w", err)
	}
	quiet, err := json.Marshal(p.QuietHours)
	if err != nil {
		return fmt.Errorf("marshal quiet hours: %w", err)
	}

	query := `
		INSERT INTO notification_prefs (
			user_id, tenant_id, enabled, paused_until,
			channels, categories, quiet_hours,
			digest_enabled, digest_interval_minutes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			paused_until = EXCLUDED.paused_until,
			channels = EXCLUDED.channels,
			categories = EXCLUDED.categories,
			quiet_hours = EXCLUDED.quiet_hours,
			digest_enabled = EXCLUDED.digest_enabled,
			digest_interval_minutes = EXCLUDED.digest_interval_minutes,
			updated_at = NOW()
		RETURNING updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		p.UserID, p.TenantID, p.Enabled, p.PausedUntil,
		channels, categories, quiet,
		p.DigestEnabled, p.DigestIntervalMinutes,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
