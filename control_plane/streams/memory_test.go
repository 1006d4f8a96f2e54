package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	require.NoError(t, b.Initialize(ctx))

	id, err := b.Publish(ctx, TasksQueue, map[string]any{
		"task_id":  "t-1",
		"priority": "high",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := b.Consume(ctx, TasksQueue, GroupWorkers, "w-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "t-1", msgs[0].Values["task_id"])
	assert.Equal(t, 1, b.PendingCount(TasksQueue, GroupWorkers))

	require.NoError(t, b.Ack(ctx, TasksQueue, GroupWorkers, id))
	assert.Equal(t, 0, b.PendingCount(TasksQueue, GroupWorkers))

	// Ack is idempotent.
	require.NoError(t, b.Ack(ctx, TasksQueue, GroupWorkers, id))

	// Nothing new for the group.
	msgs, err = b.Consume(ctx, TasksQueue, GroupWorkers, "w-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGroupsConsumeIndependently(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	_, err := b.Publish(ctx, EventsBoard, map[string]any{"event": "task_transition"})
	require.NoError(t, err)

	msgs, err := b.Consume(ctx, EventsBoard, GroupBoard, "hub", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A different group sees the same message again.
	msgs, err = b.Consume(ctx, EventsBoard, "other", "c-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestConsumeSplitsWithinGroup(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, TasksQueue, map[string]any{"n": i})
		require.NoError(t, err)
	}

	first, err := b.Consume(ctx, TasksQueue, GroupWorkers, "w-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := b.Consume(ctx, TasksQueue, GroupWorkers, "w-2", 2, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestConsumeBlockTimeout(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	start := time.Now()
	msgs, err := b.Consume(ctx, TasksResults, GroupPM, "pm-0", 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFlattenEncodesCompoundValues(t *testing.T) {
	flat := Flatten(map[string]any{
		"task_id": "t-1",
		"count":   3,
		"ok":      true,
		"extra":   map[string]string{"a": "b"},
		"list":    []string{"x", "y"},
	})

	assert.Equal(t, "t-1", flat["task_id"])
	assert.Equal(t, "3", flat["count"])
	assert.Equal(t, "true", flat["ok"])
	assert.JSONEq(t, `{"a":"b"}`, flat["extra"].(string))
	assert.JSONEq(t, `["x","y"]`, flat["list"].(string))
}

func TestTrimDropsOldEntries(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, EventsBoard, map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, b.Trim(ctx, EventsBoard, 4))
	assert.Len(t, b.Entries(EventsBoard), 4)
}
