package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertAnalyticsEvent records one delivery/engagement event.
func (r *Repository) InsertAnalyticsEvent(ctx context.Context, e *AnalyticsEvent) error {
	query := `
		INSERT INTO analytics_events (
			id, notification_id, tenant_id, recipient_id, event, channel
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID, e.NotificationID, e.TenantID, e.RecipientID, e.Event, e.Channel,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

// ListEventsForNotification returns the full event trail of one
// notification, oldest-first.
func (r *Repository) ListEventsForNotification(ctx context.Context, notificationID uuid.UUID) ([]*AnalyticsEvent, error) {
	query := `
		SELECT id, notification_id, tenant_id, recipient_id, event, channel, created_at
		FROM analytics_events
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query analytics events: %w", err)
	}
	defer rows.Close()

	var events []*AnalyticsEvent
	for rows.Next() {
		var e AnalyticsEvent
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.TenantID, &e.RecipientID, &e.Event, &e.Channel, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analytics event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountEventsByType aggregates a tenant's events per type inside a window.
func (r *Repository) CountEventsByType(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[EventType]int, error) {
	query := `
		SELECT event, COUNT(*)
		FROM analytics_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY event
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventType]int)
	for rows.Next() {
		var (
			event EventType
			count int
		)
		if err := rows.Scan(&event, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[event] = count
	}
	return counts, rows.Err()
}

// TimeBucket is one point of an event time series.
type TimeBucket struct {
	Bucket time.Time `json:"bucket"`
	Event  EventType `json:"event"`
	Count  int       `json:"count"`
}

// EventTimeSeries buckets a tenant's events by interval (e.g. "1 hour").
func (r *Repository) EventTimeSeries(ctx context.Context, tenantID uuid.UUID, from, to time.Time, interval time.Duration) ([]TimeBucket, error) {
	query := `
		SELECT date_bin($4::interval, created_at, $2) AS bucket, event, COUNT(*)
		FROM analytics_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY bucket, event
		ORDER BY bucket ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, from, to, interval.String())
	if err != nil {
		return nil, fmt.Errorf("event time series: %w", err)
	}
	defer rows.Close()

	var buckets []TimeBucket
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.Bucket, &b.Event, &b.Count); err != nil {
			return nil, fmt.Errorf("scan time bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// ListEventsForTenant streams a tenant's raw events inside a window,
// oldest-first, for export.
func (r *Repository) ListEventsForTenant(ctx context.Context, tenantID uuid.UUID, from, to time.Time, limit int) ([]*AnalyticsEvent, error) {
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT id, notification_id, tenant_id, recipient_id, event, channel, created_at
		FROM analytics_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query tenant events: %w", err)
	}
	defer rows.Close()

	var events []*AnalyticsEvent
	for rows.Next() {
		var e AnalyticsEvent
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.TenantID, &e.RecipientID, &e.Event, &e.Channel, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analytics event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PurgeAnalyticsEvents deletes events past the retention window.
func (r *Repository) PurgeAnalyticsEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM analytics_events WHERE created_at < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge analytics events: %w", err)
	}
	return result.RowsAffected(), nil
}
