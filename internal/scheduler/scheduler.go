// Package scheduler drains the durable job table: deferred deliveries,
// transport retries and escalation steps all fire through it, so none of
// them are lost across a restart.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/metrics"
	"github.com/careloop/pulse/internal/store"
)

// Store is the job table surface.
type Store interface {
	ClaimDueJobs(ctx context.Context, limit int) ([]*store.ScheduledJob, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID, attempt int, errMsg string, fireAt time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Executor handles one job kind.
type Executor func(ctx context.Context, job *store.ScheduledJob) error

// Config tunes the poll loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Scheduler polls for due jobs and dispatches them to the executor
// registered for their kind. Claiming uses row locks, so multiple hub
// instances can run schedulers against the same table.
type Scheduler struct {
	store     Store
	executors map[store.JobKind]Executor
	config    Config
	logger    *zap.Logger
}

// New creates a scheduler.
func New(st Store, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Scheduler{
		store:     st,
		executors: make(map[store.JobKind]Executor),
		config:    cfg,
		logger:    logger,
	}
}

// Register attaches the executor for a job kind. Must be called before
// Start.
func (s *Scheduler) Register(kind store.JobKind, exec Executor) {
	s.executors[kind] = exec
}

// Start runs the poll loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims and runs one batch of due jobs. Exposed for tests and for
// draining at shutdown.
func (s *Scheduler) Tick(ctx context.Context) {
	jobs, err := s.store.ClaimDueJobs(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("claim due jobs failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob) {
	exec, ok := s.executors[job.Kind]
	if !ok {
		errMsg := fmt.Sprintf("no executor registered for kind %q", job.Kind)
		s.logger.Error("job dropped", zap.String("job_id", job.ID.String()), zap.String("kind", string(job.Kind)))
		if err := s.store.FailJob(ctx, job.ID, errMsg); err != nil {
			s.logger.Error("fail job update failed", zap.Error(err))
		}
		metrics.RecordScheduledJob(string(job.Kind), "failed")
		return
	}

	err := exec(ctx, job)
	if err == nil {
		if err := s.store.CompleteJob(ctx, job.ID); err != nil {
			s.logger.Error("complete job update failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
		metrics.RecordScheduledJob(string(job.Kind), "completed")
		return
	}

	attempt := job.Attempt + 1
	s.logger.Error("job execution failed",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)

	if attempt >= s.config.MaxAttempts {
		if failErr := s.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			s.logger.Error("fail job update failed", zap.Error(failErr))
		}
		metrics.RecordScheduledJob(string(job.Kind), "failed")
		return
	}

	retryAt := time.Now().UTC().Add(backoff(attempt))
	if retryErr := s.store.RetryJob(ctx, job.ID, attempt, err.Error(), retryAt); retryErr != nil {
		s.logger.Error("retry job update failed", zap.Error(retryErr))
	}
	metrics.RecordScheduledJob(string(job.Kind), "retried")
}

// backoff returns the delay before the next attempt.
func backoff(attempt int) time.Duration {
	delays := []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
	}
	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
