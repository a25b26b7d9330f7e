package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/hub"
	"github.com/careloop/pulse/internal/store"
)

type snapshot struct {
	status     store.BatchStatus
	progress   int
	successful int
	failed     int
}

type fakeBatchStore struct {
	mu        sync.Mutex
	batches   map[uuid.UUID]*store.Batch
	snapshots []snapshot
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{batches: make(map[uuid.UUID]*store.Batch)}
}

func (f *fakeBatchStore) CreateBatch(ctx context.Context, b *store.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.CreatedAt = time.Now().UTC()
	copied := *b
	f.batches[b.ID] = &copied
	return nil
}

func (f *fakeBatchStore) GetBatch(ctx context.Context, id uuid.UUID) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeBatchStore) UpdateBatchProgress(ctx context.Context, b *store.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.batches[b.ID]
	if !ok {
		return store.ErrNotFound
	}
	if b.Progress < stored.Progress {
		b.Progress = stored.Progress
	}
	copied := *b
	f.batches[b.ID] = &copied
	f.snapshots = append(f.snapshots, snapshot{
		status:     b.Status,
		progress:   b.Progress,
		successful: b.Successful,
		failed:     b.Failed,
	})
	return nil
}

func (f *fakeBatchStore) CancelBatch(ctx context.Context, id uuid.UUID) (store.BatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if b.Status == store.BatchPending || b.Status == store.BatchProcessing {
		b.Status = store.BatchCancelled
		return store.BatchCancelled, nil
	}
	return b.Status, nil
}

type fakeBatchSender struct {
	mu      sync.Mutex
	calls   int
	failFor map[uuid.UUID]bool
	delay   time.Duration
}

func (f *fakeBatchSender) Send(ctx context.Context, req *hub.SendRequest) (*hub.SendResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	recipient := req.Recipients[0]
	if f.failFor[recipient] {
		return &hub.SendResult{
			Success: false,
			Errors:  []hub.RecipientError{{RecipientID: recipient, Error: "rate limited"}},
		}, nil
	}
	return &hub.SendResult{
		Success:         true,
		NotificationIDs: []uuid.UUID{uuid.New()},
	}, nil
}

func recipients(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func batchRequest() *hub.SendRequest {
	return &hub.SendRequest{
		Title:    "Flu shot clinic Saturday",
		Message:  "Walk-ins welcome 9am-2pm.",
		Category: store.CategoryAppointment,
		Priority: store.PriorityLow,
	}
}

func TestProcess_CompletesWithPartialFailures(t *testing.T) {
	fs := newFakeBatchStore()
	all := recipients(25)
	sender := &fakeBatchSender{failFor: map[uuid.UUID]bool{all[3]: true, all[17]: true}}
	p := New(fs, sender, Config{ChunkSize: 10, Concurrency: 4}, zap.NewNop())

	id, err := p.Process(context.Background(), uuid.New(), all, batchRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	p.Wait()

	b, err := fs.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != store.BatchCompleted {
		t.Errorf("status = %s, want completed despite failures", b.Status)
	}
	if b.Successful != 23 || b.Failed != 2 {
		t.Errorf("successful/failed = %d/%d, want 23/2", b.Successful, b.Failed)
	}
	if b.Progress != 100 {
		t.Errorf("progress = %d, want 100", b.Progress)
	}
	if len(b.Errors) != 2 {
		t.Errorf("errors = %d, want 2", len(b.Errors))
	}
	if len(b.NotificationIDs) != 23 {
		t.Errorf("notification ids = %d, want 23", len(b.NotificationIDs))
	}
	if sender.calls != 25 {
		t.Errorf("sends = %d, want 25", sender.calls)
	}
}

func TestProcess_ConservationAtEverySnapshot(t *testing.T) {
	fs := newFakeBatchStore()
	all := recipients(30)
	sender := &fakeBatchSender{failFor: map[uuid.UUID]bool{all[5]: true}}
	p := New(fs, sender, Config{ChunkSize: 10, Concurrency: 3}, zap.NewNop())

	if _, err := p.Process(context.Background(), uuid.New(), all, batchRequest()); err != nil {
		t.Fatalf("process: %v", err)
	}
	p.Wait()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	lastProgress, lastProcessed := 0, 0
	for i, s := range fs.snapshots {
		processed := s.successful + s.failed
		// Snapshots land on chunk boundaries, so the processed count is a
		// whole number of chunks.
		if processed%10 != 0 && processed != len(all) {
			t.Errorf("snapshot %d: processed = %d, not a chunk boundary", i, processed)
		}
		if processed < lastProcessed {
			t.Errorf("snapshot %d: processed went backwards %d -> %d", i, lastProcessed, processed)
		}
		if s.progress < lastProgress {
			t.Errorf("snapshot %d: progress went backwards %d -> %d", i, lastProgress, s.progress)
		}
		lastProgress, lastProcessed = s.progress, processed
	}
	final := fs.snapshots[len(fs.snapshots)-1]
	if final.successful+final.failed != len(all) {
		t.Errorf("final processed = %d, want %d", final.successful+final.failed, len(all))
	}
}

func TestProcess_RejectsEmptyRecipients(t *testing.T) {
	p := New(newFakeBatchStore(), &fakeBatchSender{}, Config{}, zap.NewNop())
	if _, err := p.Process(context.Background(), uuid.New(), nil, batchRequest()); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
}

func TestCancel_StopsRemainingChunks(t *testing.T) {
	fs := newFakeBatchStore()
	all := recipients(50)
	sender := &fakeBatchSender{delay: 20 * time.Millisecond}
	p := New(fs, sender, Config{ChunkSize: 5, Concurrency: 1, SendsPerSecond: 25}, zap.NewNop())

	id, err := p.Process(context.Background(), uuid.New(), all, batchRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	status, err := p.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status != store.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}
	p.Wait()

	sender.mu.Lock()
	calls := sender.calls
	sender.mu.Unlock()
	if calls >= len(all) {
		t.Errorf("all %d sends ran despite cancellation", calls)
	}

	b, _ := fs.GetBatch(context.Background(), id)
	if b.Status != store.BatchCancelled {
		t.Errorf("stored status = %s, want cancelled", b.Status)
	}
}

func TestCancel_CompletedBatchReportsTerminalStatus(t *testing.T) {
	fs := newFakeBatchStore()
	sender := &fakeBatchSender{}
	p := New(fs, sender, Config{ChunkSize: 10, Concurrency: 4}, zap.NewNop())

	id, err := p.Process(context.Background(), uuid.New(), recipients(5), batchRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	p.Wait()

	status, err := p.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status != store.BatchCompleted {
		t.Errorf("status = %s, want completed", status)
	}
}
