package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blas1n/BSNexus/control_plane/observability"
)

// RedisBroker implements Broker on Redis Streams.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis broker: %w", err)
	}

	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an existing client (shared with the
// registry in the control plane).
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Initialize creates the streams and consumer groups. BUSYGROUP replies
// mean the group already exists and are ignored.
func (b *RedisBroker) Initialize(ctx context.Context) error {
	pairs := []struct {
		stream string
		group  string
	}{
		{TasksQueue, GroupWorkers},
		{TasksQA, GroupReviewers},
		{TasksResults, GroupPM},
		{EventsBoard, GroupBoard},
	}

	for _, p := range pairs {
		err := b.client.XGroupCreateMkStream(ctx, p.stream, p.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", p.group, p.stream, err)
		}
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: Flatten(values),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	observability.StreamPublishes.WithLabelValues(stream).Inc()
	return id, nil
}

func (b *RedisBroker) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // Block timeout, nothing new
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				values[k] = fmt.Sprint(v)
			}
			msgs = append(msgs, Message{ID: m.ID, Values: values})
		}
	}
	return msgs, nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group, id string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	observability.StreamAcks.WithLabelValues(stream).Inc()
	return nil
}

func (b *RedisBroker) PublishBoardEvent(ctx context.Context, event string, data map[string]any) error {
	values := map[string]any{"event": event}
	for k, v := range data {
		values[k] = v
	}
	_, err := b.Publish(ctx, EventsBoard, values)
	return err
}

func (b *RedisBroker) Trim(ctx context.Context, stream string, maxLen int64) error {
	return b.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Flatten converts a payload into the flat string map the wire format
// requires: scalars via fmt.Sprint, maps and slices as JSON strings.
func Flatten(values map[string]any) map[string]any {
	flat := make(map[string]any, len(values))
	for k, v := range values {
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			flat[k] = fmt.Sprint(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				flat[k] = fmt.Sprint(v)
				continue
			}
			flat[k] = string(data)
		}
	}
	return flat
}
