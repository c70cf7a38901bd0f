// Package stream defines the durable pub/sub contract the delivery fabric
// rides on: ordered subjects, consumer groups with explicit acks, and
// consumer lag. The production implementation uses Redis Streams; tests use
// the in-memory broker.
package stream

import (
	"context"
	"errors"
	"time"
)

// Subject categories. One stream exists per (category, DID) pair, so
// per-subject FIFO ordering is per-recipient ordering.
const (
	CategoryIntents         = "intents"
	CategoryResults         = "results"
	CategoryNegotiations    = "negotiations"
	CategoryDiscoverResults = "discover_results"
	CategoryAgents          = "agents"
)

// Retention per category. The Redis broker maps these to approximate
// MAXLEN budgets since Redis Streams trim by length, not age.
var Retention = map[string]time.Duration{
	CategoryIntents:         24 * time.Hour,
	CategoryNegotiations:    48 * time.Hour,
	CategoryResults:         7 * 24 * time.Hour,
	CategoryDiscoverResults: 24 * time.Hour,
	CategoryAgents:          30 * 24 * time.Hour,
}

// ErrUnavailable signals the broker cannot take writes right now. The
// routing layer retries once, then surfaces UPSTREAM_DOWN.
var ErrUnavailable = errors.New("stream broker unavailable")

// Subject joins a category and a DID into a stream subject.
func Subject(category, did string) string {
	return category + "." + did
}

// Message is one entry read from a subject.
type Message struct {
	ID      string
	Subject string
	Data    []byte
}

// Handler processes one message. A nil return acks the message; an error
// leaves it pending for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a running consumer loop.
type Subscription interface {
	// Close stops the loop and releases the consumer.
	Close() error
}

// Broker is the durable stream contract: per-subject FIFO, at-least-once
// delivery to named consumer groups.
type Broker interface {
	// Publish appends data to subject and returns the entry id.
	Publish(ctx context.Context, subject string, data []byte) (string, error)
	// Subscribe starts a consumer loop for group/consumer on subject.
	// Entries not yet acked by the group are redelivered first.
	Subscribe(ctx context.Context, subject, group, consumer string, h Handler) (Subscription, error)
	// Lag reports how many entries the group has not acked on subject.
	Lag(ctx context.Context, subject, group string) (int64, error)
	// Health verifies connectivity to the backing store.
	Health(ctx context.Context) error
}
