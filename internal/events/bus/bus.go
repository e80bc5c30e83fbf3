// Package bus carries cross-service notifications: the daemon and the
// services publish what happened, and external surfaces subscribe. The
// journal in the element store is the durable record; the bus is fan-out
// only and may drop events when nobody listens.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the wire envelope. Data is a flat JSON object; subjects carry
// the routing (see internal/events for the subject constants).
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an envelope with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Returning an error only logs;
// the bus never redelivers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live subscription handle.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error

	// IsValid reports whether the subscription still receives events.
	IsValid() bool
}

// EventBus is implemented by the in-memory bus and the NATS bus. Subjects
// use NATS token syntax; Subscribe patterns may carry * and > wildcards.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the named queue
	// group instead of every subscriber.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a single reply, up to timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()

	IsConnected() bool
}
