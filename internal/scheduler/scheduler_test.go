package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

type fakeJobStore struct {
	mu        sync.Mutex
	due       []*store.ScheduledJob
	completed []uuid.UUID
	retried   []uuid.UUID
	failed    []uuid.UUID
	retryAt   map[uuid.UUID]time.Time
}

func newFakeJobStore(jobs ...*store.ScheduledJob) *fakeJobStore {
	return &fakeJobStore{due: jobs, retryAt: make(map[uuid.UUID]time.Time)}
}

func (f *fakeJobStore) ClaimDueJobs(ctx context.Context, limit int) ([]*store.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.due
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	f.due = f.due[len(jobs):]
	return jobs, nil
}

func (f *fakeJobStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) RetryJob(ctx context.Context, id uuid.UUID, attempt int, errMsg string, fireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	f.retryAt[id] = fireAt
	return nil
}

func (f *fakeJobStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func job(kind store.JobKind, attempt int) *store.ScheduledJob {
	return &store.ScheduledJob{
		ID:             uuid.New(),
		Kind:           kind,
		NotificationID: uuid.New(),
		FireAt:         time.Now().Add(-time.Second),
		Attempt:        attempt,
	}
}

func TestTick_DispatchesByKind(t *testing.T) {
	deliver := job(store.JobDeliver, 0)
	step := job(store.JobEscalationStep, 0)
	fs := newFakeJobStore(deliver, step)

	var deliverRuns, stepRuns int
	s := New(fs, Config{}, zap.NewNop())
	s.Register(store.JobDeliver, func(ctx context.Context, j *store.ScheduledJob) error {
		deliverRuns++
		return nil
	})
	s.Register(store.JobEscalationStep, func(ctx context.Context, j *store.ScheduledJob) error {
		stepRuns++
		return nil
	})

	s.Tick(context.Background())

	if deliverRuns != 1 || stepRuns != 1 {
		t.Errorf("runs = %d/%d, want 1/1", deliverRuns, stepRuns)
	}
	if len(fs.completed) != 2 {
		t.Errorf("completed = %d, want 2", len(fs.completed))
	}
}

func TestTick_RetriesWithBackoff(t *testing.T) {
	j := job(store.JobDeliver, 0)
	fs := newFakeJobStore(j)

	s := New(fs, Config{MaxAttempts: 3}, zap.NewNop())
	s.Register(store.JobDeliver, func(ctx context.Context, j *store.ScheduledJob) error {
		return errors.New("transient")
	})

	before := time.Now()
	s.Tick(context.Background())

	if len(fs.retried) != 1 {
		t.Fatalf("retried = %d, want 1", len(fs.retried))
	}
	at := fs.retryAt[j.ID]
	if at.Before(before.Add(29 * time.Second)) {
		t.Errorf("retry scheduled too soon: %v", at)
	}
	if len(fs.failed) != 0 {
		t.Errorf("job should not be failed on first attempt")
	}
}

func TestTick_FailsAfterMaxAttempts(t *testing.T) {
	j := job(store.JobDeliver, 2)
	fs := newFakeJobStore(j)

	s := New(fs, Config{MaxAttempts: 3}, zap.NewNop())
	s.Register(store.JobDeliver, func(ctx context.Context, j *store.ScheduledJob) error {
		return errors.New("still broken")
	})

	s.Tick(context.Background())

	if len(fs.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(fs.failed))
	}
	if len(fs.retried) != 0 {
		t.Errorf("exhausted job should not be retried")
	}
}

func TestTick_UnknownKindFails(t *testing.T) {
	j := job(store.JobKind("mystery"), 0)
	fs := newFakeJobStore(j)

	s := New(fs, Config{}, zap.NewNop())
	s.Tick(context.Background())

	if len(fs.failed) != 1 {
		t.Errorf("unregistered kind should be failed, got %d", len(fs.failed))
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	fs := newFakeJobStore()
	s := New(fs, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestBackoff_CapsAtLastDelay(t *testing.T) {
	if backoff(1) != 30*time.Second {
		t.Errorf("backoff(1) = %v", backoff(1))
	}
	if backoff(10) != 10*time.Minute {
		t.Errorf("backoff(10) = %v", backoff(10))
	}
}
