// Package bus provides a message bus abstraction for conversation event
// fan-out. The default implementation is in-memory; a NATS backend is
// available for multi-process deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// ConversationSubject returns the subject that carries normalized stream
// events for one conversation. Subscribe to ConversationWildcard to see
// every conversation.
func ConversationSubject(conversationID string) string {
	return "conn.conversation." + conversationID
}

// ConversationWildcard matches every conversation's event subject.
const ConversationWildcard = "conn.conversation.*"

// MessageBus is the core interface for event distribution.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called from a delivery goroutine per subscription.
	// Supports wildcards: "conn.conversation.*" matches "conn.conversation.abc".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the default timeout for operations.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "connd",
		Timeout: 30 * time.Second,
	}
}

// New returns a NATS-backed bus when url is non-empty, otherwise an
// in-memory bus.
func New(url string) (MessageBus, error) {
	if url == "" {
		return NewMemoryBus(), nil
	}
	cfg := DefaultConfig()
	cfg.URL = url
	return NewNATSBus(cfg)
}
