// Package analytics records the notification lifecycle event trail and
// serves the aggregate views built over it.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

// Store is the event persistence surface.
type Store interface {
	InsertAnalyticsEvent(ctx context.Context, e *store.AnalyticsEvent) error
	ListEventsForNotification(ctx context.Context, notificationID uuid.UUID) ([]*store.AnalyticsEvent, error)
	CountEventsByType(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[store.EventType]int, error)
	EventTimeSeries(ctx context.Context, tenantID uuid.UUID, from, to time.Time, interval time.Duration) ([]store.TimeBucket, error)
	ListEventsForTenant(ctx context.Context, tenantID uuid.UUID, from, to time.Time, limit int) ([]*store.AnalyticsEvent, error)
}

// Recorder writes lifecycle events. Recording is best effort: a failed
// insert is logged and never fails the delivery that produced it.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(st Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: st, logger: logger}
}

// Record persists one lifecycle event for a notification.
func (r *Recorder) Record(ctx context.Context, n *store.Notification, event store.EventType, ch store.Channel) {
	e := &store.AnalyticsEvent{
		ID:             uuid.New(),
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		RecipientID:    n.RecipientID,
		Event:          event,
		Channel:        ch,
	}
	if err := r.store.InsertAnalyticsEvent(ctx, e); err != nil {
		r.logger.Warn("analytics event insert failed",
			zap.String("notification_id", n.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

// Summary is a tenant's aggregate view over a window.
type Summary struct {
	TenantID uuid.UUID `json:"tenant_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`

	Counts map[store.EventType]int `json:"counts"`

	// Rates are relative to sent.
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	DismissRate  float64 `json:"dismiss_rate"`
}

// FunnelStage is one step of the sent → delivered → opened → clicked
// funnel.
type FunnelStage struct {
	Stage      store.EventType `json:"stage"`
	Count      int             `json:"count"`
	Conversion float64         `json:"conversion"`
}

// Service serves the aggregate queries.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates the analytics query service.
func NewService(st Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// NotificationTrail returns a notification's full event history.
func (s *Service) NotificationTrail(ctx context.Context, notificationID uuid.UUID) ([]*store.AnalyticsEvent, error) {
	return s.store.ListEventsForNotification(ctx, notificationID)
}

// TenantSummary computes a tenant's counts and rates over a window.
func (s *Service) TenantSummary(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*Summary, error) {
	counts, err := s.store.CountEventsByType(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TenantID: tenantID,
		From:     from,
		To:       to,
		Counts:   counts,
	}
	if sent := counts[store.EventSent]; sent > 0 {
		summary.DeliveryRate = rate(counts[store.EventDelivered], sent)
		summary.OpenRate = rate(counts[store.EventOpened], sent)
		summary.ClickRate = rate(counts[store.EventClicked], sent)
		summary.DismissRate = rate(counts[store.EventDismissed], sent)
	}
	return summary, nil
}

// TimeSeries buckets a tenant's events over the window.
func (s *Service) TimeSeries(ctx context.Context, tenantID uuid.UUID, from, to time.Time, interval time.Duration) ([]store.TimeBucket, error) {
	if interval <= 0 {
		interval = time.Hour
	}
	return s.store.EventTimeSeries(ctx, tenantID, from, to, interval)
}

// Funnel computes the engagement funnel. Each stage's conversion is
// relative to the stage before it.
func (s *Service) Funnel(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]FunnelStage, error) {
	counts, err := s.store.CountEventsByType(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	order := []store.EventType{store.EventSent, store.EventDelivered, store.EventOpened, store.EventClicked}
	stages := make([]FunnelStage, 0, len(order))
	prev := -1
	for _, event := range order {
		count := counts[event]
		stage := FunnelStage{Stage: event, Count: count}
		switch {
		case prev < 0:
			stage.Conversion = 1
		case prev == 0:
			stage.Conversion = 0
		default:
			stage.Conversion = rate(count, prev)
		}
		stages = append(stages, stage)
		prev = count
	}
	return stages, nil
}

func rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
