package escalate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	rules         map[uuid.UUID]*store.EscalationRule
	notifications map[uuid.UUID]*store.Notification
	jobs          []*store.ScheduledJob
	cancelled     []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules:         make(map[uuid.UUID]*store.EscalationRule),
		notifications: make(map[uuid.UUID]*store.Notification),
	}
}

func (f *fakeStore) ListEscalationRules(ctx context.Context, tenantID uuid.UUID) ([]*store.EscalationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.EscalationRule
	for _, r := range f.rules {
		if r.TenantID == tenantID && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetEscalationRule(ctx context.Context, id uuid.UUID) (*store.EscalationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) GetNotification(ctx context.Context, id uuid.UUID) (*store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n, nil
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job *store.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeStore) CancelJobsForNotification(ctx context.Context, notificationID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, notificationID)
	var remaining []*store.ScheduledJob
	var n int64
	for _, job := range f.jobs {
		if job.NotificationID == notificationID {
			n++
			continue
		}
		remaining = append(remaining, job)
	}
	f.jobs = remaining
	return n, nil
}

type fakeSender struct {
	mu      sync.Mutex
	resends []resendCall
	fail    error
}

type resendCall struct {
	originalID  uuid.UUID
	channels    []store.Channel
	priority    store.Priority
	recipientID uuid.UUID
}

func (f *fakeSender) Resend(ctx context.Context, original *store.Notification, channels []store.Channel, priority store.Priority, recipientID uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return uuid.Nil, f.fail
	}
	f.resends = append(f.resends, resendCall{
		originalID:  original.ID,
		channels:    channels,
		priority:    priority,
		recipientID: recipientID,
	})
	return uuid.New(), nil
}

func criticalAlertRule(tenantID uuid.UUID, steps ...store.EscalationStep) *store.EscalationRule {
	return &store.EscalationRule{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Name:       "unacknowledged critical alerts",
		Enabled:    true,
		Categories: []store.Category{store.CategoryClinicalAlert},
		Priorities: []store.Priority{store.PriorityCritical},
		Steps:      steps,
	}
}

func alertNotification(tenantID uuid.UUID) *store.Notification {
	return &store.Notification{
		ID:          uuid.New(),
		TenantID:    tenantID,
		RecipientID: uuid.New(),
		Title:       "Critical potassium",
		Message:     "K+ 6.8 mmol/L",
		Category:    store.CategoryClinicalAlert,
		Priority:    store.PriorityCritical,
		Channels:    []store.Channel{store.ChannelInApp, store.ChannelPush},
		CreatedAt:   time.Now().UTC().Add(-10 * time.Minute),
	}
}

func TestSetup_EnqueuesJobPerStep(t *testing.T) {
	fs := newFakeStore()
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID,
		store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend},
		store.EscalationStep{Order: 2, DelayMinutes: 15, Action: store.ActionPage},
	)
	fs.rules[rule.ID] = rule

	eng := New(fs, &fakeSender{}, nil, zap.NewNop())
	n := alertNotification(tenantID)
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if len(fs.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(fs.jobs))
	}
	// Delays are absolute offsets from creation, not from the prior step.
	want1 := n.CreatedAt.Add(5 * time.Minute)
	want2 := n.CreatedAt.Add(15 * time.Minute)
	if !fs.jobs[0].FireAt.Equal(want1) || !fs.jobs[1].FireAt.Equal(want2) {
		t.Errorf("fire times = %v / %v, want %v / %v", fs.jobs[0].FireAt, fs.jobs[1].FireAt, want1, want2)
	}
}

func TestSetup_SkipsNonMatchingRules(t *testing.T) {
	fs := newFakeStore()
	tenantID := uuid.New()

	lowRule := criticalAlertRule(tenantID, store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend})
	lowRule.Priorities = []store.Priority{store.PriorityLow}
	fs.rules[lowRule.ID] = lowRule

	disabled := criticalAlertRule(tenantID, store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend})
	disabled.Enabled = false
	fs.rules[disabled.ID] = disabled

	eng := New(fs, &fakeSender{}, nil, zap.NewNop())
	if err := eng.Setup(context.Background(), alertNotification(tenantID)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(fs.jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(fs.jobs))
	}
}

func TestMatches_MetadataEquality(t *testing.T) {
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID, store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend})
	rule.Metadata = map[string]string{"unit": "icu"}

	n := alertNotification(tenantID)
	if Matches(rule, n) {
		t.Error("should not match without metadata")
	}
	n.Metadata = map[string]string{"unit": "icu", "bed": "4"}
	if !Matches(rule, n) {
		t.Error("should match with equal metadata key")
	}
}

func TestExecuteStep_ReadNotificationSuppressed(t *testing.T) {
	fs := newFakeStore()
	sender := &fakeSender{}
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID,
		store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend, UnreadAfterMinutes: 5},
	)
	fs.rules[rule.ID] = rule

	eng := New(fs, sender, nil, zap.NewNop())
	n := alertNotification(tenantID)
	readAt := n.CreatedAt.Add(3 * time.Minute)
	n.ReadAt = &readAt
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := eng.ExecuteStep(context.Background(), fs.jobs[0]); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(sender.resends) != 0 {
		t.Errorf("read notification must not escalate, resends = %d", len(sender.resends))
	}
}

func TestExecuteStep_ResendUsesOriginalChannels(t *testing.T) {
	fs := newFakeStore()
	sender := &fakeSender{}
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID, store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend})
	fs.rules[rule.ID] = rule

	eng := New(fs, sender, nil, zap.NewNop())
	n := alertNotification(tenantID)
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := eng.ExecuteStep(context.Background(), fs.jobs[0]); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(sender.resends) != 1 {
		t.Fatalf("resends = %d, want 1", len(sender.resends))
	}
	call := sender.resends[0]
	if call.originalID != n.ID {
		t.Error("resend should reference the original notification")
	}
	if len(call.channels) != 2 {
		t.Errorf("resend channels = %v, want original channels", call.channels)
	}
}

// rearmingSender mimics the hub: every resend produces a new
// notification carrying the escalated_from marker and runs escalation
// setup on it, exactly like the send pipeline does.
type rearmingSender struct {
	engine *Engine
	store  *fakeStore
}

func (s *rearmingSender) Resend(ctx context.Context, original *store.Notification, channels []store.Channel, priority store.Priority, recipientID uuid.UUID) (uuid.UUID, error) {
	if recipientID == uuid.Nil {
		recipientID = original.RecipientID
	}
	resent := &store.Notification{
		ID:          uuid.New(),
		TenantID:    original.TenantID,
		RecipientID: recipientID,
		Title:       original.Title,
		Message:     original.Message,
		Category:    original.Category,
		Priority:    priority,
		Channels:    channels,
		Metadata:    map[string]string{store.MetaEscalatedFrom: original.ID.String()},
		CreatedAt:   time.Now().UTC(),
	}
	s.store.mu.Lock()
	s.store.notifications[resent.ID] = resent
	s.store.mu.Unlock()
	if err := s.engine.Setup(ctx, resent); err != nil {
		return uuid.Nil, err
	}
	return resent.ID, nil
}

func TestExecuteStep_ResendDoesNotRearmRules(t *testing.T) {
	fs := newFakeStore()
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID, store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend})
	fs.rules[rule.ID] = rule

	sender := &rearmingSender{store: fs}
	eng := New(fs, sender, nil, zap.NewNop())
	sender.engine = eng

	n := alertNotification(tenantID)
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(fs.jobs) != 1 {
		t.Fatalf("jobs after setup = %d, want 1", len(fs.jobs))
	}

	if err := eng.ExecuteStep(context.Background(), fs.jobs[0]); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The resent notification must not schedule the rule's steps again
	// while the original stays unread, or the chain never terminates.
	for _, job := range fs.jobs[1:] {
		if job.NotificationID != n.ID {
			t.Fatalf("escalation resend armed a new job for notification %s", job.NotificationID)
		}
	}
	if len(fs.jobs) != 1 {
		t.Errorf("jobs after resend = %d, want 1", len(fs.jobs))
	}
}

func TestExecuteStep_AddChannelOnlySendsNewOnes(t *testing.T) {
	fs := newFakeStore()
	sender := &fakeSender{}
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID, store.EscalationStep{
		Order:        1,
		DelayMinutes: 5,
		Action:       store.ActionAddChannel,
		Channels:     []store.Channel{store.ChannelPush, store.ChannelSMS, store.ChannelEmail},
	})
	fs.rules[rule.ID] = rule

	eng := New(fs, sender, nil, zap.NewNop())
	n := alertNotification(tenantID) // already has in_app, push
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := eng.ExecuteStep(context.Background(), fs.jobs[0]); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(sender.resends) != 1 {
		t.Fatalf("resends = %d, want 1", len(sender.resends))
	}
	got := sender.resends[0].channels
	if len(got) != 2 || got[0] != store.ChannelSMS || got[1] != store.ChannelEmail {
		t.Errorf("add_channel channels = %v, want [sms email]", got)
	}
}

func TestExecuteStep_PageForcesCritical(t *testing.T) {
	fs := newFakeStore()
	sender := &fakeSender{}
	tenantID := uuid.New()
	oncall := uuid.New()
	rule := criticalAlertRule(tenantID, store.EscalationStep{
		Order:        1,
		DelayMinutes: 5,
		Action:       store.ActionPage,
		Recipients:   []uuid.UUID{oncall},
	})
	rule.Priorities = nil
	fs.rules[rule.ID] = rule

	eng := New(fs, sender, nil, zap.NewNop())
	n := alertNotification(tenantID)
	n.Priority = store.PriorityHigh
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := eng.ExecuteStep(context.Background(), fs.jobs[0]); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(sender.resends) != 1 {
		t.Fatalf("resends = %d, want 1", len(sender.resends))
	}
	call := sender.resends[0]
	if call.priority != store.PriorityCritical {
		t.Errorf("page priority = %s, want critical", call.priority)
	}
	if call.recipientID != oncall {
		t.Errorf("page recipient = %s, want on-call user", call.recipientID)
	}
}

func TestCancel_RemovesPendingJobs(t *testing.T) {
	fs := newFakeStore()
	tenantID := uuid.New()
	rule := criticalAlertRule(tenantID,
		store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend},
		store.EscalationStep{Order: 2, DelayMinutes: 15, Action: store.ActionPage},
	)
	fs.rules[rule.ID] = rule

	eng := New(fs, &fakeSender{}, nil, zap.NewNop())
	n := alertNotification(tenantID)
	fs.notifications[n.ID] = n

	if err := eng.Setup(context.Background(), n); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := eng.Cancel(context.Background(), n.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(fs.jobs) != 0 {
		t.Errorf("jobs remaining = %d, want 0", len(fs.jobs))
	}
}

func TestValidateRule(t *testing.T) {
	tenantID := uuid.New()

	valid := criticalAlertRule(tenantID,
		store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend},
		store.EscalationStep{Order: 2, DelayMinutes: 15, Action: store.ActionPage},
	)
	if err := ValidateRule(valid); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*store.EscalationRule)
	}{
		{"missing tenant", func(r *store.EscalationRule) { r.TenantID = uuid.Nil }},
		{"missing name", func(r *store.EscalationRule) { r.Name = "" }},
		{"no steps", func(r *store.EscalationRule) { r.Steps = nil }},
		{"unknown action", func(r *store.EscalationRule) { r.Steps[0].Action = "carrier_pigeon" }},
		{"non-ascending delays", func(r *store.EscalationRule) { r.Steps[1].DelayMinutes = 5 }},
		{"unread window past delay", func(r *store.EscalationRule) { r.Steps[0].UnreadAfterMinutes = 10 }},
		{"descending delays", func(r *store.EscalationRule) { r.Steps[1].DelayMinutes = 2 }},
		{"unknown channel", func(r *store.EscalationRule) {
			r.Steps[0].Channels = []store.Channel{"fax"}
		}},
		{"unknown category", func(r *store.EscalationRule) {
			r.Categories = []store.Category{"gossip"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := criticalAlertRule(tenantID,
				store.EscalationStep{Order: 1, DelayMinutes: 5, Action: store.ActionResend},
				store.EscalationStep{Order: 2, DelayMinutes: 15, Action: store.ActionPage},
			)
			tt.mutate(rule)
			if err := ValidateRule(rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
