// --- File: internal/queue/bus.go ---
// Package queue defines the durable message bus contract the delivery
// service is built against. Adapters under internal/platform/queue and
// internal/platform/pubsub satisfy it.
package queue

import (
	"context"
	"errors"
	"strings"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("message bus is closed")

// Handler processes one message. attempt starts at 1 and increments on each
// redelivery of the same message. Returning nil acknowledges the message; a
// non-nil error schedules a retry until the adapter's attempt ceiling moves
// the message to the dead-letter topic.
type Handler func(ctx context.Context, key string, payload []byte, attempt int) error

// MessageBus is the durable, at-least-once queue carrying notification and
// sync traffic between service instances.
//
// Messages sharing a key are delivered to a group's handler in publish
// order, one at a time. Messages with different keys may be processed
// concurrently and carry no relative ordering.
type MessageBus interface {
	// Publish appends a message to topic. key selects the ordering domain;
	// the delivery pipeline uses the user ID so one user's messages stay
	// in sequence.
	Publish(ctx context.Context, topic, key string, payload []byte) error

	// Subscribe attaches a handler to topic on behalf of group. Each
	// message is delivered to exactly one subscriber per group. Subscribe
	// returns once the subscription is established; handlers run on the
	// adapter's own goroutines until ctx is cancelled or the bus closes.
	Subscribe(ctx context.Context, topic, group string, h Handler) error

	// Close stops deliveries and releases adapter resources. In-flight
	// handlers are allowed to finish.
	Close() error
}

// deadLetterSuffix marks a topic as a parking lot for exhausted messages.
const deadLetterSuffix = ".deadletter"

// DeadLetterTopic names the parking topic for messages that exhausted their
// delivery attempts on topic.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

// IsDeadLetterTopic reports whether topic is itself a dead-letter topic.
// Adapters use it to stop a failing dead-letter consumer from chaining
// parking lots.
func IsDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(topic, deadLetterSuffix)
}
