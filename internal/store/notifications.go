package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository handles database operations for the notification hub.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, tenant_id, recipient_id, title, message, subtitle,
	category, priority, channels, delivery, status,
	template_id, template_variables, metadata, actions,
	group_key, dedup_key, scheduled_for, expires_at,
	read_at, dismissed_at, created_at, updated_at
`

// CreateNotification inserts a new notification record.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	channels, delivery, vars, meta, actions, err := marshalNotificationJSON(n)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (
			id, tenant_id, recipient_id, title, message, subtitle,
			category, priority, channels, delivery, status,
			template_id, template_variables, metadata, actions,
			group_key, dedup_key, scheduled_for, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		n.ID, n.TenantID, n.RecipientID, n.Title, n.Message, n.Subtitle,
		n.Category, n.Priority, channels, delivery, n.Status,
		n.TemplateID, vars, meta, actions,
		n.GroupKey, n.DedupKey, n.ScheduledFor, n.ExpiresAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// GetNotification retrieves a notification by ID.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// NotificationQuery filters ListNotifications.
type NotificationQuery struct {
	RecipientID uuid.UUID
	TenantID    uuid.UUID
	Statuses    []Status
	Limit       int
	Offset      int
}

// ListNotifications returns a recipient's notifications newest-first,
// optionally filtered by status.
func (r *Repository) ListNotifications(ctx context.Context, q NotificationQuery) ([]*Notification, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND tenant_id = $2
		  AND ($3::text[] IS NULL OR status = ANY($3))
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	var statuses []string
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}

	rows, err := r.db.Pool().Query(ctx, query, q.RecipientID, q.TenantID, statuses, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// ListNotificationsByTenant returns a tenant's notifications newest-first.
func (r *Repository) ListNotificationsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// UnreadCount counts a recipient's unread, undismissed notifications.
func (r *Repository) UnreadCount(ctx context.Context, recipientID, tenantID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE recipient_id = $1 AND tenant_id = $2
		  AND read_at IS NULL AND dismissed_at IS NULL
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, recipientID, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// UpdateDelivery persists a delivery-state snapshot and the derived overall
// status. Per-field last-writer-wins; the snapshot replaces the whole map.
func (r *Repository) UpdateDelivery(ctx context.Context, id uuid.UUID, delivery map[Channel]*ChannelDelivery, status Status) error {
	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	query := `
		UPDATE notifications
		SET delivery = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, data, status, id)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRead sets a notification's status to read. Read is only ever set from
// an explicit read event, never inferred from delivery.
func (r *Repository) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET status = $1, read_at = $2, updated_at = NOW()
		WHERE id = $3 AND read_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusRead, at, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Already read is not an error; verify existence.
		if _, err := r.GetNotification(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkAllRead marks every unread notification for a recipient and returns
// the affected ids.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID, tenantID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE notifications
		SET status = $1, read_at = $2, updated_at = NOW()
		WHERE recipient_id = $3 AND tenant_id = $4 AND read_at IS NULL
		RETURNING id
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusRead, at, recipientID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Dismiss records a dismissal timestamp.
func (r *Repository) Dismiss(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET dismissed_at = $1, updated_at = NOW()
		WHERE id = $2 AND dismissed_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetNotification(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteNotification removes a notification record.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetScheduledFor records a deferred delivery time.
func (r *Repository) SetScheduledFor(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET scheduled_for = $1, updated_at = NOW()
		WHERE id = $2
	`
	result, err := r.db.Pool().Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("set scheduled_for: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// TrimRecipientIndex deletes the oldest notifications beyond keep for one
// recipient, enforcing the in-app index cap.
func (r *Repository) TrimRecipientIndex(ctx context.Context, recipientID, tenantID uuid.UUID, keep int) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE id IN (
			SELECT id FROM notifications
			WHERE recipient_id = $1 AND tenant_id = $2
			ORDER BY created_at DESC
			OFFSET $3
		)
	`

	result, err := r.db.Pool().Exec(ctx, query, recipientID, tenantID, keep)
	if err != nil {
		return 0, fmt.Errorf("trim recipient index: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgeNotifications deletes records past the retention window.
func (r *Repository) PurgeNotifications(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE created_at < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

func marshalNotificationJSON(n *Notification) (channels, delivery, vars, meta, actions []byte, err error) {
	if channels, err = json.Marshal(n.Channels); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal channels: %w", err)
	}
	if n.Delivery == nil {
		n.Delivery = map[Channel]*ChannelDelivery{}
	}
	if delivery, err = json.Marshal(n.Delivery); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal delivery: %w", err)
	}
	if vars, err = json.Marshal(n.TemplateVariables); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal template variables: %w", err)
	}
	if meta, err = json.Marshal(n.Metadata); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if actions, err = json.Marshal(n.Actions); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	return channels, delivery, vars, meta, actions, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n        Notification
		channels []byte
		delivery []byte
		vars     []byte
		meta     []byte
		actions  []byte
	)

	err := row.Scan(
		&n.ID, &n.TenantID, &n.RecipientID, &n.Title, &n.Message, &n.Subtitle,
		&n.Category, &n.Priority, &channels, &delivery, &n.Status,
		&n.TemplateID, &vars, &meta, &actions,
		&n.GroupKey, &n.DedupKey, &n.ScheduledFor, &n.ExpiresAt,
		&n.ReadAt, &n.DismissedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	if err := json.Unmarshal(delivery, &n.Delivery); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &n.TemplateVariables); err != nil {
			return nil, fmt.Errorf("unmarshal template variables: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &n.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}
