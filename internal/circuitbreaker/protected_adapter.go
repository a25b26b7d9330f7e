package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/channel"
	"github.com/careloop/pulse/internal/store"
)

// ProtectedAdapter wraps a channel adapter with a CircuitBreaker. When
// the underlying transport starts failing, the circuit opens and
// deliveries on that channel fail fast instead of piling up.
type ProtectedAdapter struct {
	adapter channel.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedAdapter wraps an adapter with breaker protection.
func NewProtectedAdapter(adapter channel.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

// Channel delegates to the wrapped adapter.
func (p *ProtectedAdapter) Channel() store.Channel {
	return p.adapter.Channel()
}

// Deliver runs the delivery through the breaker. An open circuit returns
// ErrCircuitOpen wrapped in a TransportError so the caller's retry
// machinery treats it like any other transport outage. Missing
// destinations count as neither success nor failure: they say nothing
// about transport health.
func (p *ProtectedAdapter) Deliver(ctx context.Context, n *store.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", n.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return &channel.TransportError{
			Channel: p.adapter.Channel(),
			Err:     fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name),
		}
	}

	err := p.adapter.Deliver(ctx, n)
	if err != nil {
		var noDest *channel.NoDestinationError
		if errors.As(err, &noDest) {
			return err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the underlying breaker for health reporting.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
