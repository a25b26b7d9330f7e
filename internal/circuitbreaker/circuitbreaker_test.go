package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/channel"
	"github.com/careloop/pulse/internal/store"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("push")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedAdapter tests ---

type mockAdapter struct {
	deliverErr   error
	deliverCalls int
}

func (m *mockAdapter) Deliver(ctx context.Context, n *store.Notification) error {
	m.deliverCalls++
	return m.deliverErr
}

func (m *mockAdapter) Channel() store.Channel { return store.ChannelEmail }

func testNotif() *store.Notification {
	return &store.Notification{ID: uuid.New(), RecipientID: uuid.New(), TenantID: uuid.New()}
}

func TestProtectedAdapter_PassesThrough(t *testing.T) {
	mock := &mockAdapter{}
	cb := New(Config{Name: "email", MaxFailures: 5}, testLogger())
	pa := NewProtectedAdapter(mock, cb, testLogger())
	if err := pa.Deliver(context.Background(), testNotif()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.deliverCalls != 1 {
		t.Fatalf("calls = %d", mock.deliverCalls)
	}
	if pa.Channel() != store.ChannelEmail {
		t.Fatalf("channel = %s", pa.Channel())
	}
}

func TestProtectedAdapter_FailFastWhenOpen(t *testing.T) {
	mock := &mockAdapter{deliverErr: &channel.TransportError{Channel: store.ChannelEmail, Err: errors.New("down")}}
	cb := New(Config{Name: "email", MaxFailures: 2}, testLogger())
	pa := NewProtectedAdapter(mock, cb, testLogger())
	pa.Deliver(context.Background(), testNotif())
	pa.Deliver(context.Background(), testNotif())
	mock.deliverCalls = 0
	err := pa.Deliver(context.Background(), testNotif())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	var transport *channel.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("open-circuit error should be a TransportError, got: %v", err)
	}
	if mock.deliverCalls != 0 {
		t.Fatalf("adapter called %d times when circuit open", mock.deliverCalls)
	}
}

func TestProtectedAdapter_NoDestinationDoesNotTrip(t *testing.T) {
	mock := &mockAdapter{deliverErr: &channel.NoDestinationError{Channel: store.ChannelEmail, Reason: "no email"}}
	cb := New(Config{Name: "email", MaxFailures: 2}, testLogger())
	pa := NewProtectedAdapter(mock, cb, testLogger())
	for i := 0; i < 5; i++ {
		pa.Deliver(context.Background(), testNotif())
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("missing destinations should not open the circuit, state = %s", cb.GetState())
	}
	if cb.Stats().TotalFailures != 0 {
		t.Fatalf("total_failures = %d", cb.Stats().TotalFailures)
	}
}

func TestProtectedAdapter_FullLifecycle(t *testing.T) {
	mock := &mockAdapter{}
	cb := New(Config{Name: "email", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	pa := NewProtectedAdapter(mock, cb, testLogger())
	n := testNotif()

	if err := pa.Deliver(context.Background(), n); err != nil {
		t.Fatalf("healthy phase: %v", err)
	}

	mock.deliverErr = &channel.TransportError{Channel: store.ChannelEmail, Err: errors.New("ses down")}
	for i := 0; i < 3; i++ {
		pa.Deliver(context.Background(), n)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	mock.deliverCalls = 0
	err := pa.Deliver(context.Background(), n)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("fail-fast phase: %v", err)
	}
	if mock.deliverCalls != 0 {
		t.Fatal("adapter should not be called while open")
	}

	time.Sleep(60 * time.Millisecond)

	mock.deliverErr = nil
	if err := pa.Deliver(context.Background(), n); err != nil {
		t.Fatalf("recovery probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.GetState())
	}

	for i := 0; i < 5; i++ {
		if err := pa.Deliver(context.Background(), n); err != nil {
			t.Fatalf("steady state [%d]: %v", i, err)
		}
	}
}
