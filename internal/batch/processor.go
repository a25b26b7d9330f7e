// Package batch fans one send request out to large recipient lists with
// bounded concurrency and pollable progress.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/hub"
	"github.com/careloop/pulse/internal/metrics"
	"github.com/careloop/pulse/internal/store"
)

// Store is the batch persistence surface.
type Store interface {
	CreateBatch(ctx context.Context, b *store.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*store.Batch, error)
	UpdateBatchProgress(ctx context.Context, b *store.Batch) error
	CancelBatch(ctx context.Context, id uuid.UUID) (store.BatchStatus, error)
}

// Sender is the per-recipient send path the processor drives.
type Sender interface {
	Send(ctx context.Context, req *hub.SendRequest) (*hub.SendResult, error)
}

// Config bounds the fan-out.
type Config struct {
	// ChunkSize is how many recipients one chunk covers.
	ChunkSize int

	// Concurrency caps in-flight sends within a chunk.
	Concurrency int

	// SendsPerSecond is the global send budget the inter-chunk delay is
	// derived from. Zero disables pacing.
	SendsPerSecond int
}

// Processor runs batch fan-outs asynchronously.
type Processor struct {
	store  Store
	sender Sender
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	cancel map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a batch processor.
func New(st Store, sender Sender, cfg Config, logger *zap.Logger) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Processor{
		store:  st,
		sender: sender,
		config: cfg,
		logger: logger,
		cancel: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Process persists the batch record and starts the asynchronous fan-out,
// returning the batch id immediately.
func (p *Processor) Process(ctx context.Context, tenantID uuid.UUID, recipients []uuid.UUID, req *hub.SendRequest) (uuid.UUID, error) {
	if len(recipients) == 0 {
		return uuid.Nil, fmt.Errorf("batch requires at least one recipient")
	}

	req.TenantID = tenantID
	probe := *req
	probe.Recipients = recipients[:1]
	if err := probe.Validate(); err != nil {
		return uuid.Nil, err
	}

	b := &store.Batch{
		ID:           uuid.New(),
		TenantID:     tenantID,
		RecipientIDs: recipients,
		Status:       store.BatchPending,
	}
	if err := p.store.CreateBatch(ctx, b); err != nil {
		return uuid.Nil, fmt.Errorf("create batch: %w", err)
	}

	// The fan-out outlives the request context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel[b.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(runCtx, b, req)

	p.logger.Info("batch accepted",
		zap.String("batch_id", b.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("recipients", len(recipients)),
	)
	return b.ID, nil
}

// Status returns the batch record, pollable mid-flight.
func (p *Processor) Status(ctx context.Context, id uuid.UUID) (*store.Batch, error) {
	return p.store.GetBatch(ctx, id)
}

// Cancel stops unprocessed chunks. Already-dispatched sends are not
// interrupted.
func (p *Processor) Cancel(ctx context.Context, id uuid.UUID) (store.BatchStatus, error) {
	status, err := p.store.CancelBatch(ctx, id)
	if err != nil {
		return "", err
	}
	if status == store.BatchCancelled {
		p.mu.Lock()
		if cancel, ok := p.cancel[id]; ok {
			cancel()
			delete(p.cancel, id)
		}
		p.mu.Unlock()
	}
	return status, nil
}

// Wait blocks until all in-flight batches drain. Used at shutdown.
func (p *Processor) Wait() { p.wg.Wait() }

// run drives one batch to a terminal state: chunked, paced, with
// per-recipient errors captured and counters persisted after every chunk.
func (p *Processor) run(ctx context.Context, b *store.Batch, req *hub.SendRequest) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.cancel, b.ID)
		p.mu.Unlock()
	}()

	b.Status = store.BatchProcessing
	if err := p.store.UpdateBatchProgress(ctx, b); err != nil {
		p.logger.Error("batch start update failed", zap.String("batch_id", b.ID.String()), zap.Error(err))
	}
	metrics.BatchStarted()
	defer metrics.BatchFinished()

	total := len(b.RecipientIDs)
	interChunkDelay := p.chunkDelay()

	for start := 0; start < total; start += p.config.ChunkSize {
		if ctx.Err() != nil {
			p.logger.Info("batch cancelled mid-flight",
				zap.String("batch_id", b.ID.String()),
				zap.Int("processed", start),
			)
			return
		}

		end := start + p.config.ChunkSize
		if end > total {
			end = total
		}
		p.processChunk(ctx, b, req, b.RecipientIDs[start:end])

		processed := end
		b.Progress = processed * 100 / total
		if processed < total {
			if err := p.store.UpdateBatchProgress(ctx, b); err != nil {
				p.logger.Error("batch progress update failed",
					zap.String("batch_id", b.ID.String()),
					zap.Error(err),
				)
			}
			if interChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interChunkDelay):
				}
			}
		}
	}

	// Partial success is a valid terminal state; completed covers it.
	b.Status = store.BatchCompleted
	b.Progress = 100
	now := time.Now().UTC()
	b.CompletedAt = &now
	if err := p.store.UpdateBatchProgress(ctx, b); err != nil {
		p.logger.Error("batch completion update failed",
			zap.String("batch_id", b.ID.String()),
			zap.Error(err),
		)
	}

	p.logger.Info("batch completed",
		zap.String("batch_id", b.ID.String()),
		zap.Int("successful", b.Successful),
		zap.Int("failed", b.Failed),
	)
}

// processChunk sends to one chunk's recipients with a bounded number in
// flight.
func (p *Processor) processChunk(ctx context.Context, b *store.Batch, req *hub.SendRequest, recipients []uuid.UUID) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, p.config.Concurrency)
	)

	for _, recipientID := range recipients {
		wg.Add(1)
		sem <- struct{}{}
		go func(recipientID uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()

			one := *req
			one.Recipients = []uuid.UUID{recipientID}
			result, err := p.sender.Send(ctx, &one)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				b.Failed++
				b.Errors = append(b.Errors, store.BatchError{RecipientID: recipientID, Error: err.Error()})
				metrics.RecordBatchRecipient("failed")
			case len(result.Errors) > 0:
				b.Failed++
				e := store.BatchError{RecipientID: recipientID, Error: result.Errors[0].Error}
				b.Errors = append(b.Errors, e)
				metrics.RecordBatchRecipient("failed")
			default:
				b.Successful++
				b.NotificationIDs = append(b.NotificationIDs, result.NotificationIDs...)
				metrics.RecordBatchRecipient("successful")
			}
		}(recipientID)
	}
	wg.Wait()
}

// chunkDelay derives the inter-chunk pause from the sends-per-second
// budget.
func (p *Processor) chunkDelay() time.Duration {
	if p.config.SendsPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(p.config.ChunkSize) / float64(p.config.SendsPerSecond) * float64(time.Second))
}
