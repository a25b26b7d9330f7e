package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateBatch inserts a new fan-out job record.
func (r *Repository) CreateBatch(ctx context.Context, b *Batch) error {
	recipients, err := json.Marshal(b.RecipientIDs)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}

	query := `
		INSERT INTO notification_batches (
			id, tenant_id, recipient_ids, notification_ids,
			status, progress, successful, failed, errors
		) VALUES ($1, $2, $3, '[]', $4, 0, 0, 0, '[]')
		RETURNING created_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		b.ID, b.TenantID, recipients, b.Status,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	query := `
		SELECT id, tenant_id, recipient_ids, notification_ids,
		       status, progress, successful, failed, errors,
		       created_at, completed_at
		FROM notification_batches
		WHERE id = $1
	`

	var (
		b             Batch
		recipients    []byte
		notifications []byte
		errList       []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&b.ID, &b.TenantID, &recipients, &notifications,
		&b.Status, &b.Progress, &b.Successful, &b.Failed, &errList,
		&b.CreatedAt, &b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}

	if err := json.Unmarshal(recipients, &b.RecipientIDs); err != nil {
		return nil, fmt.Errorf("unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal(notifications, &b.NotificationIDs); err != nil {
		return nil, fmt.Errorf("unmarshal notification ids: %w", err)
	}
	if err := json.Unmarshal(errList, &b.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return &b, nil
}

// UpdateBatchProgress persists the counters after a processed chunk so batch
// status is pollable mid-flight.
func (r *Repository) UpdateBatchProgress(ctx context.Context, b *Batch) error {
	notifications, err := json.Marshal(b.NotificationIDs)
	if err != nil {
		return fmt.Errorf("marshal notification ids: %w", err)
	}
	errList, err := json.Marshal(b.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	query := `
		UPDATE notification_batches
		SET status = $1, progress = GREATEST(progress, $2),
		    successful = $3, failed = $4,
		    notification_ids = $5, errors = $6,
		    completed_at = $7
		WHERE id = $8
	`

	result, err := r.db.Pool().Exec(ctx, query,
		b.Status, b.Progress, b.Successful, b.Failed,
		notifications, errList, b.CompletedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// CancelBatch marks a pending or processing batch cancelled. Returns the
// resulting status so callers can tell whether the batch already finished.
func (r *Repository) CancelBatch(ctx context.Context, id uuid.UUID) (BatchStatus, error) {
	now := time.Now()
	query := `
		UPDATE notification_batches
		SET status = $1, completed_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		BatchCancelled, now, id, BatchPending, BatchProcessing,
	)
	if err != nil {
		return "", fmt.Errorf("cancel batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		b, err := r.GetBatch(ctx, id)
		if err != nil {
			return "", err
		}
		return b.Status, nil
	}
	return BatchCancelled, nil
}

// PurgeBatches deletes batch records past the retention window.
func (r *Repository) PurgeBatches(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_batches WHERE created_at < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge batches: %w", err)
	}
	return result.RowsAffected(), nil
}
