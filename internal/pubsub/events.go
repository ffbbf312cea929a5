// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// InfoEvent carries an informational diagnostic.
	InfoEvent EventType = "info"
	// WarnEvent carries a recoverable problem (reconnect scheduled, dropped thread).
	WarnEvent EventType = "warn"
	// ErrorEvent carries a failure requiring attention (reconnects exhausted).
	ErrorEvent EventType = "error"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	ID        string
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// NewEvent builds an Event with a fresh id and the current time.
func NewEvent[T any](eventType EventType, payload T) Event[T] {
	return Event[T]{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
