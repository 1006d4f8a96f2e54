package streams

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used by tests and single-node
// development. It preserves the consumer-group contract (new messages go
// to one consumer per group, stay pending until acked) but does not
// redeliver on consumer timeout.
type MemoryBroker struct {
	mu      sync.Mutex
	seq     int64
	entries map[string][]Message          // stream -> append-only log
	cursors map[string]int                // stream|group -> next new index
	pending map[string]map[string]string  // stream|group -> msg id -> consumer
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		entries: make(map[string][]Message),
		cursors: make(map[string]int),
		pending: make(map[string]map[string]string),
	}
}

func (b *MemoryBroker) Initialize(ctx context.Context) error {
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)

	flat := Flatten(values)
	msg := Message{ID: id, Values: make(map[string]string, len(flat))}
	for k, v := range flat {
		msg.Values[k] = fmt.Sprint(v)
	}
	b.entries[stream] = append(b.entries[stream], msg)
	return id, nil
}

func (b *MemoryBroker) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		if msgs := b.take(stream, group, consumer, count); len(msgs) > 0 {
			return msgs, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) take(stream, group, consumer string, count int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := stream + "|" + group
	log := b.entries[stream]
	cursor := b.cursors[key]

	var msgs []Message
	for cursor < len(log) && len(msgs) < count {
		msg := log[cursor]
		cursor++
		if b.pending[key] == nil {
			b.pending[key] = make(map[string]string)
		}
		b.pending[key][msg.ID] = consumer
		msgs = append(msgs, copyMessage(msg))
	}
	b.cursors[key] = cursor
	return msgs
}

func (b *MemoryBroker) Ack(ctx context.Context, stream, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := stream + "|" + group
	if p, ok := b.pending[key]; ok {
		delete(p, id)
	}
	return nil
}

func (b *MemoryBroker) PublishBoardEvent(ctx context.Context, event string, data map[string]any) error {
	values := map[string]any{"event": event}
	for k, v := range data {
		values[k] = v
	}
	_, err := b.Publish(ctx, EventsBoard, values)
	return err
}

func (b *MemoryBroker) Trim(ctx context.Context, stream string, maxLen int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.entries[stream]
	if int64(len(log)) <= maxLen {
		return nil
	}
	drop := len(log) - int(maxLen)
	b.entries[stream] = append([]Message(nil), log[drop:]...)

	// Cursors index into the log; shift them with the truncation.
	for key, cursor := range b.cursors {
		if strings.HasPrefix(key, stream+"|") {
			if cursor > drop {
				b.cursors[key] = cursor - drop
			} else {
				b.cursors[key] = 0
			}
		}
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	return nil
}

// PendingCount reports unacked messages for a group. Test helper.
func (b *MemoryBroker) PendingCount(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[stream+"|"+group])
}

// Entries returns a snapshot of all messages on a stream. Test helper.
func (b *MemoryBroker) Entries(stream string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, 0, len(b.entries[stream]))
	for _, m := range b.entries[stream] {
		out = append(out, copyMessage(m))
	}
	return out
}

func copyMessage(m Message) Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		values[k] = v
	}
	return Message{ID: m.ID, Values: values}
}
