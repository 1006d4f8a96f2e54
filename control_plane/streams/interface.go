// Package streams is the broker abstraction between the PM orchestrator
// and the worker fleet. The production implementation rides on Redis
// Streams with consumer groups; the memory implementation backs tests.
//
// Delivery is at-least-once: a consumed message stays pending for its
// consumer until acknowledged, and unacked messages are eventually
// redelivered within the same group.
package streams

import (
	"context"
	"time"
)

// Stream names.
const (
	TasksQueue   = "tasks:queue"
	TasksQA      = "tasks:qa"
	TasksResults = "tasks:results"
	EventsBoard  = "events:board"
)

// Consumer group names.
const (
	GroupWorkers   = "workers"   // consumes tasks:queue
	GroupReviewers = "reviewers" // consumes tasks:qa
	GroupPM        = "pm"        // consumes tasks:results
	GroupBoard     = "board"     // consumes events:board (fan-out hub)
)

// Message is one stream entry. Values are flat string pairs; compound
// values are JSON strings the consumer decodes itself.
type Message struct {
	ID     string
	Values map[string]string
}

// Broker is the capability set the pipeline needs from a message bus.
type Broker interface {
	// Initialize creates streams and consumer groups if absent.
	// It is idempotent and ignores "group already exists" errors.
	Initialize(ctx context.Context) error

	// Publish atomically appends a message and returns the broker-assigned
	// id. Scalar values are stringified; maps and slices are JSON-encoded.
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)

	// Consume blocks up to block for new messages addressed to this
	// group/consumer pair. Returned messages remain pending until acked.
	Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error)

	// Ack marks a message handled for the group. Idempotent.
	Ack(ctx context.Context, stream, group, id string) error

	// PublishBoardEvent publishes a board fan-out event to events:board.
	PublishBoardEvent(ctx context.Context, event string, data map[string]any) error

	// Trim bounds stream length approximately.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// Close releases the underlying connection.
	Close() error
}
