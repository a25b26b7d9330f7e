package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

type fakeAnalyticsStore struct {
	events []*store.AnalyticsEvent
	counts map[store.EventType]int
}

func (f *fakeAnalyticsStore) InsertAnalyticsEvent(ctx context.Context, e *store.AnalyticsEvent) error {
	e.CreatedAt = time.Now().UTC()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAnalyticsStore) ListEventsForNotification(ctx context.Context, id uuid.UUID) ([]*store.AnalyticsEvent, error) {
	var out []*store.AnalyticsEvent
	for _, e := range f.events {
		if e.NotificationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAnalyticsStore) CountEventsByType(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[store.EventType]int, error) {
	return f.counts, nil
}

func (f *fakeAnalyticsStore) EventTimeSeries(ctx context.Context, tenantID uuid.UUID, from, to time.Time, interval time.Duration) ([]store.TimeBucket, error) {
	return nil, nil
}

func (f *fakeAnalyticsStore) ListEventsForTenant(ctx context.Context, tenantID uuid.UUID, from, to time.Time, limit int) ([]*store.AnalyticsEvent, error) {
	return f.events, nil
}

func sampleNotification() *store.Notification {
	return &store.Notification{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		RecipientID: uuid.New(),
	}
}

func TestRecorder_PersistsEvent(t *testing.T) {
	fs := &fakeAnalyticsStore{}
	r := NewRecorder(fs, zap.NewNop())
	n := sampleNotification()

	r.Record(context.Background(), n, store.EventSent, "")
	r.Record(context.Background(), n, store.EventDelivered, store.ChannelPush)

	if len(fs.events) != 2 {
		t.Fatalf("events = %d, want 2", len(fs.events))
	}
	if fs.events[1].Channel != store.ChannelPush {
		t.Errorf("channel = %s, want push", fs.events[1].Channel)
	}
	if fs.events[0].TenantID != n.TenantID || fs.events[0].RecipientID != n.RecipientID {
		t.Error("event should carry the notification's tenant and recipient")
	}
}

func TestTenantSummary_Rates(t *testing.T) {
	fs := &fakeAnalyticsStore{counts: map[store.EventType]int{
		store.EventSent:      100,
		store.EventDelivered: 80,
		store.EventOpened:    40,
		store.EventClicked:   10,
		store.EventDismissed: 5,
	}}
	s := NewService(fs, zap.NewNop())

	summary, err := s.TenantSummary(context.Background(), uuid.New(), time.Now().Add(-24*time.Hour), time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.DeliveryRate != 0.8 {
		t.Errorf("delivery rate = %v, want 0.8", summary.DeliveryRate)
	}
	if summary.OpenRate != 0.4 {
		t.Errorf("open rate = %v, want 0.4", summary.OpenRate)
	}
	if summary.ClickRate != 0.1 {
		t.Errorf("click rate = %v, want 0.1", summary.ClickRate)
	}
}

func TestTenantSummary_NoSends(t *testing.T) {
	fs := &fakeAnalyticsStore{counts: map[store.EventType]int{}}
	s := NewService(fs, zap.NewNop())

	summary, err := s.TenantSummary(context.Background(), uuid.New(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.DeliveryRate != 0 || summary.OpenRate != 0 {
		t.Error("rates should be zero with no sends")
	}
}

func TestFunnel_StageConversions(t *testing.T) {
	fs := &fakeAnalyticsStore{counts: map[store.EventType]int{
		store.EventSent:      200,
		store.EventDelivered: 150,
		store.EventOpened:    75,
		store.EventClicked:   15,
	}}
	s := NewService(fs, zap.NewNop())

	stages, err := s.Funnel(context.Background(), uuid.New(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("funnel: %v", err)
	}
	if len(stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(stages))
	}
	if stages[0].Conversion != 1 {
		t.Errorf("first stage conversion = %v, want 1", stages[0].Conversion)
	}
	if stages[1].Conversion != 0.75 {
		t.Errorf("delivered conversion = %v, want 0.75", stages[1].Conversion)
	}
	if stages[2].Conversion != 0.5 {
		t.Errorf("opened conversion = %v, want 0.5", stages[2].Conversion)
	}
	if stages[3].Conversion != 0.2 {
		t.Errorf("clicked conversion = %v, want 0.2", stages[3].Conversion)
	}
}

func TestExportCSV(t *testing.T) {
	fs := &fakeAnalyticsStore{}
	r := NewRecorder(fs, zap.NewNop())
	n := sampleNotification()
	r.Record(context.Background(), n, store.EventSent, "")
	r.Record(context.Background(), n, store.EventDelivered, store.ChannelEmail)

	s := NewService(fs, zap.NewNop())
	var buf bytes.Buffer
	if err := s.ExportCSV(context.Background(), &buf, n.TenantID, time.Now().Add(-time.Hour), time.Now()); err != nil {
		t.Fatalf("export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "event_id,notification_id") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[2], "email") {
		t.Errorf("row missing channel: %s", lines[2])
	}
}

func TestExportJSON_EmptyWindow(t *testing.T) {
	s := NewService(&fakeAnalyticsStore{}, zap.NewNop())
	var buf bytes.Buffer
	if err := s.ExportJSON(context.Background(), &buf, uuid.New(), time.Now().Add(-time.Hour), time.Now()); err != nil {
		t.Fatalf("export: %v", err)
	}
	var out []any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty array, got %d items", len(out))
	}
}
