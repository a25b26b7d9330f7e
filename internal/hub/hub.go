// Package hub is the delivery orchestrator. It owns the per-recipient send
// pipeline: template resolution, preference and rate-limit checks, channel
// resolution, quiet-hours deferral, deduplication, persistence and the
// parallel channel fan-out.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/channel"
	"github.com/careloop/pulse/internal/metrics"
	"github.com/careloop/pulse/internal/prefs"
	"github.com/careloop/pulse/internal/redis"
	"github.com/careloop/pulse/internal/routing"
	"github.com/careloop/pulse/internal/store"
	"github.com/careloop/pulse/internal/template"
)

var (
	// ErrPreferencesDisabled means the recipient has notifications globally
	// disabled or paused.
	ErrPreferencesDisabled = errors.New("notifications disabled by recipient preferences")

	// ErrNotOwner means a read/dismiss/delete was attempted by someone other
	// than the recipient.
	ErrNotOwner = errors.New("notification does not belong to this user")

	// ErrNoChannels means preference filtering left no deliverable channel.
	ErrNoChannels = errors.New("no deliverable channels after preference filtering")

	// ErrUntrackableEvent means a recipient tried to report a lifecycle
	// event only the pipeline itself may record.
	ErrUntrackableEvent = errors.New("event is not recipient-reportable")
)

// RateLimitedError reports a per-recipient send rejected by the hourly
// sliding window.
type RateLimitedError struct {
	RecipientID uuid.UUID
	ResetAt     time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("recipient %s rate limited until %s", e.RecipientID, e.ResetAt.Format(time.RFC3339))
}

// Store is the persistence surface the hub needs.
type Store interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*store.Notification, error)
	ListNotifications(ctx context.Context, q store.NotificationQuery) ([]*store.Notification, error)
	UnreadCount(ctx context.Context, recipientID, tenantID uuid.UUID) (int, error)
	UpdateDelivery(ctx context.Context, id uuid.UUID, delivery map[store.Channel]*store.ChannelDelivery, status store.Status) error
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, recipientID, tenantID uuid.UUID, at time.Time) ([]uuid.UUID, error)
	Dismiss(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteNotification(ctx context.Context, id uuid.UUID) error
	SetScheduledFor(ctx context.Context, id uuid.UUID, at time.Time) error
	EnqueueJob(ctx context.Context, job *store.ScheduledJob) error
}

// PrefsManager resolves effective preferences.
type PrefsManager interface {
	Get(ctx context.Context, userID, tenantID uuid.UUID) (*store.Preferences, error)
}

// Dedup is the deduplication cache surface.
type Dedup interface {
	CheckOrReserve(ctx context.Context, tenantID, dedupKey string) (*redis.DedupEntry, error)
	Store(ctx context.Context, tenantID, dedupKey, notificationID string) error
	Release(ctx context.Context, tenantID, dedupKey string) error
}

// RateLimiter is the per-recipient sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Escalator sets up and cancels escalation paths. The concrete engine is
// wired after construction to break the mutual dependency between the hub
// and the escalation engine.
type Escalator interface {
	Setup(ctx context.Context, n *store.Notification) error
	Cancel(ctx context.Context, notificationID uuid.UUID) error
}

// Analytics records delivery lifecycle events. Recording is best effort;
// implementations log their own failures.
type Analytics interface {
	Record(ctx context.Context, n *store.Notification, event store.EventType, ch store.Channel)
}

// Hub orchestrates notification delivery.
type Hub struct {
	store     Store
	prefs     PrefsManager
	router    *routing.PriorityRouter
	templates *template.Engine
	dedup     Dedup
	limiter   RateLimiter
	adapters  map[store.Channel]channel.Adapter
	escalator Escalator
	analytics Analytics
	logger    *zap.Logger
}

// New constructs a hub with its collaborators injected. The escalator is
// attached separately via SetEscalator.
func New(
	st Store,
	pm PrefsManager,
	router *routing.PriorityRouter,
	templates *template.Engine,
	dedup Dedup,
	limiter RateLimiter,
	adapters map[store.Channel]channel.Adapter,
	analytics Analytics,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		store:     st,
		prefs:     pm,
		router:    router,
		templates: templates,
		dedup:     dedup,
		limiter:   limiter,
		adapters:  adapters,
		analytics: analytics,
		logger:    logger,
	}
}

// SetEscalator attaches the escalation engine.
func (h *Hub) SetEscalator(e Escalator) { h.escalator = e }

// SendRequest is one send call, fanning out to one or more recipients.
type SendRequest struct {
	TenantID   uuid.UUID       `json:"tenant_id"`
	Recipients []uuid.UUID     `json:"recipients"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Subtitle   string          `json:"subtitle,omitempty"`
	Category   store.Category  `json:"category"`
	Priority   store.Priority  `json:"priority,omitempty"`
	Channels   []store.Channel `json:"channels,omitempty"`

	TemplateID        string            `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Actions           []store.Action    `json:"actions,omitempty"`

	GroupKey string `json:"group_key,omitempty"`
	DedupKey string `json:"deduplication_key,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// RecipientError is one recipient's failure inside an otherwise successful
// send.
type RecipientError struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Error       string    `json:"error"`
}

// SendResult aggregates the per-recipient outcomes.
type SendResult struct {
	Success         bool             `json:"success"`
	NotificationIDs []uuid.UUID      `json:"notification_ids"`
	Errors          []RecipientError `json:"errors,omitempty"`
}

// Validate rejects structurally invalid requests before any recipient work.
func (r *SendRequest) Validate() error {
	if r.TenantID == uuid.Nil {
		return errors.New("tenant_id is required")
	}
	if len(r.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	if r.Title == "" && r.TemplateID == "" {
		return errors.New("title or template_id is required")
	}
	if r.Category != "" {
		switch r.Category {
		case store.CategoryClinicalAlert, store.CategoryAppointment, store.CategoryLabResult,
			store.CategoryMedication, store.CategoryMessage, store.CategorySystem, store.CategoryBilling:
		default:
			return fmt.Errorf("unknown category %q", r.Category)
		}
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	for _, ch := range r.Channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

// Send runs the delivery pipeline for every recipient independently.
// Per-recipient failures are collected; one bad recipient never aborts the
// others. The call errors only on fully invalid input.
func (h *Hub) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TemplateID != "" && !h.templates.Has(req.TemplateID) {
		return nil, fmt.Errorf("%w: %s", template.ErrUnknownTemplate, req.TemplateID)
	}

	if req.Priority == "" {
		req.Priority = store.PriorityMedium
	}
	if req.Category == "" {
		req.Category = store.CategorySystem
	}

	result := &SendResult{Success: true}
	for _, recipientID := range req.Recipients {
		id, err := h.sendOne(ctx, req, recipientID)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, RecipientError{
				RecipientID: recipientID,
				Error:       err.Error(),
			})
			continue
		}
		result.NotificationIDs = append(result.NotificationIDs, id)
	}
	return result, nil
}

// sendOne runs the pipeline for a single recipient and returns the
// notification id. A dedup hit returns the prior id.
func (h *Hub) sendOne(ctx context.Context, req *SendRequest, recipientID uuid.UUID) (uuid.UUID, error) {
	now := time.Now().UTC()

	title, message, subtitle := req.Title, req.Message, req.Subtitle
	if req.TemplateID != "" {
		rendered, err := h.templates.Render(req.TemplateID, req.TemplateVariables)
		if err != nil {
			return uuid.Nil, err
		}
		if title == "" {
			title = rendered.Title
		}
		if message == "" {
			message = rendered.Message
		}
		if subtitle == "" {
			subtitle = rendered.Subtitle
		}
	}

	p, err := h.prefs.Get(ctx, recipientID, req.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("preference lookup: %w", err)
	}
	if !p.Enabled || (p.PausedUntil != nil && p.PausedUntil.After(now)) {
		return uuid.Nil, ErrPreferencesDisabled
	}

	limit, err := h.limiter.Allow(ctx, fmt.Sprintf("send:%s:%s", req.TenantID, recipientID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !limit.Allowed {
		metrics.RecordRateLimitRejection(req.TenantID.String())
		return uuid.Nil, &RateLimitedError{RecipientID: recipientID, ResetAt: limit.ResetAt}
	}

	channels := h.router.Resolve(req.Channels, req.Category, req.Priority, p, now)
	if len(channels) == 0 {
		return uuid.Nil, ErrNoChannels
	}

	scheduledFor := req.ScheduledFor
	if end, active := prefs.QuietHoursEnd(p.QuietHours, req.Priority, now); active {
		if scheduledFor == nil || end.After(*scheduledFor) {
			scheduledFor = &end
		}
		metrics.RecordQuietHoursDeferral()
	}

	reserved := false
	if req.DedupKey != "" {
		entry, err := h.dedup.CheckOrReserve(ctx, req.TenantID.String(), req.DedupKey)
		if err != nil && !errors.Is(err, redis.ErrDedupInFlight) {
			return uuid.Nil, fmt.Errorf("dedup check: %w", err)
		}
		if errors.Is(err, redis.ErrDedupInFlight) {
			return uuid.Nil, err
		}
		if entry != nil {
			metrics.RecordDedupHit()
			prior, parseErr := uuid.Parse(entry.NotificationID)
			if parseErr != nil {
				return uuid.Nil, fmt.Errorf("dedup cache holds invalid id %q", entry.NotificationID)
			}
			h.logger.Debug("duplicate send suppressed",
				zap.String("dedup_key", req.DedupKey),
				zap.String("notification_id", prior.String()),
			)
			return prior, nil
		}
		reserved = true
	}

	n := &store.Notification{
		ID:                uuid.New(),
		TenantID:          req.TenantID,
		RecipientID:       recipientID,
		Title:             title,
		Message:           message,
		Subtitle:          subtitle,
		Category:          req.Category,
		Priority:          req.Priority,
		Channels:          channels,
		Delivery:          make(map[store.Channel]*store.ChannelDelivery),
		Status:            store.StatusPending,
		TemplateID:        req.TemplateID,
		TemplateVariables: req.TemplateVariables,
		Metadata:          req.Metadata,
		Actions:           req.Actions,
		GroupKey:          req.GroupKey,
		DedupKey:          req.DedupKey,
		ScheduledFor:      scheduledFor,
		ExpiresAt:         req.ExpiresAt,
	}

	if err := h.store.CreateNotification(ctx, n); err != nil {
		if reserved {
			if relErr := h.dedup.Release(ctx, req.TenantID.String(), req.DedupKey); relErr != nil {
				h.logger.Warn("dedup release failed", zap.Error(relErr))
			}
		}
		return uuid.Nil, fmt.Errorf("persist notification: %w", err)
	}

	if reserved {
		if err := h.dedup.Store(ctx, req.TenantID.String(), req.DedupKey, n.ID.String()); err != nil {
			h.logger.Warn("dedup store failed", zap.Error(err))
		}
	}

	timing := h.router.DeliveryTiming(req.Priority)
	deferred := scheduledFor != nil && scheduledFor.After(now)
	if !timing.Immediate && !deferred {
		at := now.Add(timing.RetryDelay)
		scheduledFor = &at
		deferred = true
	}

	if deferred {
		if err := h.scheduleDelivery(ctx, n, *scheduledFor); err != nil {
			return uuid.Nil, err
		}
	} else {
		h.deliver(ctx, n, n.Channels, 1)
	}

	if h.escalator != nil {
		if err := h.escalator.Setup(ctx, n); err != nil {
			h.logger.Error("escalation setup failed",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
		}
	}

	metrics.RecordNotificationSent(string(req.Category), string(req.Priority))
	h.analytics.Record(ctx, n, store.EventSent, "")

	return n.ID, nil
}

// scheduleDelivery persists the deferred fire time as a durable job so a
// restart cannot drop it.
func (h *Hub) scheduleDelivery(ctx context.Context, n *store.Notification, at time.Time) error {
	if err := h.store.SetScheduledFor(ctx, n.ID, at); err != nil {
		return fmt.Errorf("set scheduled_for: %w", err)
	}
	job := &store.ScheduledJob{
		ID:             uuid.New(),
		Kind:           store.JobDeliver,
		NotificationID: n.ID,
		FireAt:         at,
	}
	if err := h.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue delivery job: %w", err)
	}
	h.logger.Info("delivery deferred",
		zap.String("notification_id", n.ID.String()),
		zap.Time("fire_at", at),
	)
	return nil
}

// deliverPayload rides on retry jobs so a retry targets only the channels
// that actually failed.
type deliverPayload struct {
	Channels []store.Channel `json:"channels"`
	Attempt  int             `json:"attempt"`
}

// deliver fans the notification out to every channel in parallel and
// combines the terminal per-channel states into the overall status. The
// combiner only counts terminal states, so completion order never matters.
func (h *Hub) deliver(ctx context.Context, n *store.Notification, channels []store.Channel, attempt int) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		retries []store.Channel
	)

	if n.Delivery == nil {
		n.Delivery = make(map[store.Channel]*store.ChannelDelivery)
	}

	for _, ch := range channels {
		wg.Add(1)
		go func(ch store.Channel) {
			defer wg.Done()
			start := time.Now()
			state, errMsg, retryable := h.deliverChannel(ctx, n, ch)
			metrics.RecordDeliveryLatency(string(ch), time.Since(start))

			mu.Lock()
			defer mu.Unlock()
			n.Delivery[ch] = &store.ChannelDelivery{
				State:     state,
				Error:     errMsg,
				Attempt:   attempt,
				UpdatedAt: time.Now().UTC(),
			}
			if retryable {
				retries = append(retries, ch)
			}
		}(ch)
	}
	wg.Wait()

	status := combineStatus(n.Delivery)
	if err := h.store.UpdateDelivery(ctx, n.ID, n.Delivery, status); err != nil {
		h.logger.Error("delivery state update failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
	n.Status = status

	for ch, d := range n.Delivery {
		switch d.State {
		case store.DeliverySent, store.DeliveryDelivered:
			h.analytics.Record(ctx, n, store.EventDelivered, ch)
		case store.DeliveryFailed:
			h.analytics.Record(ctx, n, store.EventFailed, ch)
		}
	}

	if len(retries) > 0 {
		h.scheduleRetry(ctx, n, retries, attempt)
	}
}

// deliverChannel runs one adapter and classifies the outcome.
func (h *Hub) deliverChannel(ctx context.Context, n *store.Notification, ch store.Channel) (store.DeliveryState, string, bool) {
	adapter, ok := h.adapters[ch]
	if !ok {
		metrics.RecordChannelDelivery(string(ch), "failed")
		return store.DeliveryFailed, "channel not configured", false
	}

	err := adapter.Deliver(ctx, n)
	if err == nil {
		metrics.RecordChannelDelivery(string(ch), "sent")
		if ch == store.ChannelInApp {
			return store.DeliveryDelivered, "", false
		}
		return store.DeliverySent, "", false
	}

	metrics.RecordChannelDelivery(string(ch), "failed")
	h.logger.Warn("channel delivery failed",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(ch)),
		zap.Error(err),
	)

	var transport *channel.TransportError
	return store.DeliveryFailed, err.Error(), errors.As(err, &transport)
}

// scheduleRetry enqueues a durable retry for channels that failed with a
// transport error, bounded by the priority's retry budget.
func (h *Hub) scheduleRetry(ctx context.Context, n *store.Notification, channels []store.Channel, attempt int) {
	timing := h.router.DeliveryTiming(n.Priority)
	if attempt >= timing.MaxRetries+1 {
		h.logger.Warn("retry budget exhausted",
			zap.String("notification_id", n.ID.String()),
			zap.Int("attempts", attempt),
		)
		return
	}

	payload, err := json.Marshal(deliverPayload{Channels: channels, Attempt: attempt + 1})
	if err != nil {
		h.logger.Error("retry payload marshal failed", zap.Error(err))
		return
	}

	job := &store.ScheduledJob{
		ID:             uuid.New(),
		Kind:           store.JobDeliver,
		NotificationID: n.ID,
		FireAt:         time.Now().UTC().Add(timing.RetryDelay),
		Payload:        payload,
	}
	if err := h.store.EnqueueJob(ctx, job); err != nil {
		h.logger.Error("retry enqueue failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return
	}
	h.logger.Info("transport retry scheduled",
		zap.String("notification_id", n.ID.String()),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", timing.RetryDelay),
	)
}

// ExecuteScheduledDelivery is the scheduler's callback for deliver jobs:
// both quiet-hours/scheduled initial deliveries and transport retries.
func (h *Hub) ExecuteScheduledDelivery(ctx context.Context, job *store.ScheduledJob) error {
	n, err := h.store.GetNotification(ctx, job.NotificationID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Info("scheduled delivery skipped, notification gone",
			zap.String("notification_id", job.NotificationID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}

	now := time.Now().UTC()
	if n.ReadAt != nil || n.DismissedAt != nil || n.Expired(now) {
		h.logger.Info("scheduled delivery skipped",
			zap.String("notification_id", n.ID.String()),
			zap.Bool("read", n.ReadAt != nil),
			zap.Bool("dismissed", n.DismissedAt != nil),
			zap.Bool("expired", n.Expired(now)),
		)
		return nil
	}

	channels := n.Channels
	attempt := 1
	if len(job.Payload) > 0 {
		var p deliverPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode delivery payload: %w", err)
		}
		if len(p.Channels) > 0 {
			channels = p.Channels
		}
		if p.Attempt > 0 {
			attempt = p.Attempt
		}
	}

	h.deliver(ctx, n, channels, attempt)
	return nil
}

// combineStatus folds per-channel terminal states into the notification
// status: any success makes the notification sent, all failures make it
// failed, no terminal state yet leaves it pending.
func combineStatus(delivery map[store.Channel]*store.ChannelDelivery) store.Status {
	var succeeded, failed int
	for _, d := range delivery {
		switch d.State {
		case store.DeliverySent, store.DeliveryDelivered:
			succeeded++
		case store.DeliveryFailed:
			failed++
		}
	}
	switch {
	case succeeded > 0:
		return store.StatusSent
	case failed > 0 && failed == len(delivery):
		return store.StatusFailed
	default:
		return store.StatusPending
	}
}
