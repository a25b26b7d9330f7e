// Package channel holds the delivery adapters for the four supported
// transports. Each adapter owns its payload formatting and destination
// lookup; the hub dispatches through a map keyed by channel.
package channel

import (
	"context"
	"fmt"

	"github.com/careloop/pulse/internal/store"
)

// Adapter delivers a notification over one transport.
type Adapter interface {
	// Deliver attempts delivery to the notification's recipient. A nil
	// return means the transport accepted the message. Errors are typed:
	// NoDestinationError and TransportError tell the caller whether a
	// retry can help.
	Deliver(ctx context.Context, n *store.Notification) error

	// Channel returns the transport this adapter serves.
	Channel() store.Channel
}

// NoDestinationError means the recipient has no usable destination for
// the channel (no verified email, no registered device). Retrying does
// not help.
type NoDestinationError struct {
	Channel store.Channel
	Reason  string
}

func (e *NoDestinationError) Error() string {
	return fmt.Sprintf("%s: no destination: %s", e.Channel, e.Reason)
}

// TransportError means the downstream transport rejected or failed the
// delivery. These are retryable.
type TransportError struct {
	Channel store.Channel
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigurationError means an adapter could not be constructed. Fatal at
// startup.
type ConfigurationError struct {
	Channel store.Channel
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration: %v", e.Channel, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
