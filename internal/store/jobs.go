package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnqueueJob inserts a durable fire-at job.
func (r *Repository) EnqueueJob(ctx context.Context, job *ScheduledJob) error {
	query := `
		INSERT INTO scheduled_jobs (
			id, kind, notification_id, fire_at, status, attempt, payload
		) VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID, job.Kind, job.NotificationID, job.FireAt, JobPending, job.Payload,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled job: %w", err)
	}

	r.logger.Debug("scheduled job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Time("fire_at", job.FireAt),
	)
	return nil
}

// ClaimDueJobs atomically marks up to limit due jobs processing and returns
// them. SKIP LOCKED lets multiple hub instances share the table without
// double-claiming.
func (r *Repository) ClaimDueJobs(ctx context.Context, limit int) ([]*ScheduledJob, error) {
	query := `
		UPDATE scheduled_jobs
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE status = $2 AND fire_at <= NOW()
			ORDER BY fire_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, notification_id, fire_at, status, attempt,
		          last_error, payload, created_at, updated_at
	`

	rows, err := r.db.Pool().Query(ctx, query, JobProcessing, JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		var job ScheduledJob
		err := rows.Scan(
			&job.ID, &job.Kind, &job.NotificationID, &job.FireAt,
			&job.Status, &job.Attempt, &job.LastError, &job.Payload,
			&job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// CompleteJob marks a claimed job done.
func (r *Repository) CompleteJob(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE scheduled_jobs SET status = $1, updated_at = NOW() WHERE id = $2`,
		JobDone, id,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scheduled job %s: %w", id, ErrNotFound)
	}
	return nil
}

// RetryJob returns a failed attempt to pending with a new fire time.
func (r *Repository) RetryJob(ctx context.Context, id uuid.UUID, attempt int, errMsg string, fireAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = $1, attempt = $2, last_error = $3, fire_at = $4, updated_at = NOW()
		WHERE id = $5
	`, JobPending, attempt, errMsg, fireAt, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scheduled job %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailJob marks a job terminally failed.
func (r *Repository) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, JobFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scheduled job %s: %w", id, ErrNotFound)
	}
	return nil
}

// CancelJobsForNotification cancels every pending job tied to a
// notification. Called on read and dismiss; in-flight jobs are not
// interrupted, only future ones.
func (r *Repository) CancelJobsForNotification(ctx context.Context, notificationID uuid.UUID) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = $1, updated_at = NOW()
		WHERE notification_id = $2 AND status = $3
	`, JobCancelled, notificationID, JobPending)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Debug("cancelled pending jobs",
			zap.String("notification_id", notificationID.String()),
			zap.Int64("count", n),
		)
		return n, nil
	}
	return 0, nil
}
