package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRateLimiter(&Client{rdb: rdb, logger: zap.NewNop()}, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
}

// sendKey mirrors the key the hub builds per recipient.
func sendKey(tenantID, recipientID uuid.UUID) string {
	return fmt.Sprintf("send:%s:%s", tenantID, recipientID)
}

func TestRateLimiter_RecipientHourlyBudget(t *testing.T) {
	limiter := newTestLimiter(t, 3, time.Hour)
	ctx := context.Background()
	key := sendKey(uuid.New(), uuid.New())

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("send %d rejected inside the budget", i)
		}
		if result.Remaining != 2-i {
			t.Errorf("send %d: remaining = %d, want %d", i, result.Remaining, 2-i)
		}
	}

	result, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("over-budget send: %v", err)
	}
	if result.Allowed {
		t.Fatal("fourth send must be rejected")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
	if !result.ResetAt.After(time.Now()) {
		t.Error("reset time must be in the future")
	}
}

func TestRateLimiter_RecipientsDoNotShareBudget(t *testing.T) {
	limiter := newTestLimiter(t, 2, time.Hour)
	ctx := context.Background()
	tenantID := uuid.New()

	exhausted := sendKey(tenantID, uuid.New())
	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, exhausted); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// A different recipient of the same tenant keeps a full budget.
	result, err := limiter.Allow(ctx, sendKey(tenantID, uuid.New()))
	if err != nil {
		t.Fatalf("other recipient: %v", err)
	}
	if !result.Allowed || result.Remaining != 1 {
		t.Errorf("other recipient: allowed=%v remaining=%d, want allowed with 1 left", result.Allowed, result.Remaining)
	}
}

func TestRateLimiter_TenantEdgeKey(t *testing.T) {
	limiter := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	key := "tenant:" + uuid.New().String()

	first, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !first.Allowed {
		t.Fatal("first request must pass")
	}

	second, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Allowed {
		t.Fatal("tenant edge limit of 1 must reject the second request")
	}
}

func TestRateLimiter_AllowNChunkReservation(t *testing.T) {
	limiter := newTestLimiter(t, 10, time.Hour)
	ctx := context.Background()
	key := sendKey(uuid.New(), uuid.New())

	// A batch chunk reserves several sends at once.
	result, err := limiter.AllowN(ctx, key, 7)
	if err != nil {
		t.Fatalf("reserve 7: %v", err)
	}
	if !result.Allowed || result.Remaining != 3 {
		t.Fatalf("reserve 7: allowed=%v remaining=%d, want allowed with 3 left", result.Allowed, result.Remaining)
	}

	// The next chunk does not fit and must not consume anything.
	result, err = limiter.AllowN(ctx, key, 4)
	if err != nil {
		t.Fatalf("reserve 4: %v", err)
	}
	if result.Allowed {
		t.Fatal("reservation past the budget must be rejected")
	}

	// The remaining three single sends still fit.
	for i := 0; i < 3; i++ {
		result, err = limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("send %d rejected; the failed reservation leaked into the window", i)
		}
	}
}
