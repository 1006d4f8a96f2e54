package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolveToken(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	w, err := r.Register(ctx, "w-1", "builder-1", "linux", []string{"go", "python"}, "claude")
	require.NoError(t, err)
	require.Len(t, w.Token, 64)
	assert.Equal(t, StatusIdle, w.Status)

	id, err := r.ResolveToken(ctx, w.Token)
	require.NoError(t, err)
	assert.Equal(t, "w-1", id)

	id, err = r.ResolveToken(ctx, "not-a-token")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestGetHidesToken(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.Register(ctx, "w-1", "builder-1", "linux", nil, "claude")
	require.NoError(t, err)

	got, err := r.Get(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Token)
}

func TestHeartbeatRenewsTTL(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.Register(ctx, "w-1", "builder-1", "linux", nil, "claude")
	require.NoError(t, err)

	r.Advance(WorkerTTL / 2)
	ok, err := r.Heartbeat(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Renewed at +30s, so still alive at +80s where the original
	// expiry would have been +60s.
	r.Advance(50 * time.Second)
	got, err := r.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestExpiryWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.Register(ctx, "w-1", "builder-1", "linux", nil, "claude")
	require.NoError(t, err)

	r.Advance(WorkerTTL + time.Second)

	got, err := r.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := r.Heartbeat(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat after expiry must signal re-registration")
}

func TestBusyIdleRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.Register(ctx, "w-1", "builder-1", "linux", nil, "claude")
	require.NoError(t, err)

	require.NoError(t, r.SetBusy(ctx, "w-1", "t-42"))
	got, _ := r.Get(ctx, "w-1")
	assert.Equal(t, StatusBusy, got.Status)
	assert.Equal(t, "t-42", got.CurrentTaskID)

	require.NoError(t, r.SetIdle(ctx, "w-1"))
	got, _ = r.Get(ctx, "w-1")
	assert.Equal(t, StatusIdle, got.Status)
	assert.Empty(t, got.CurrentTaskID)
}

func TestDeregisterRevokesToken(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	w, err := r.Register(ctx, "w-1", "builder-1", "linux", nil, "claude")
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, "w-1"))

	got, err := r.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	id, err := r.ResolveToken(ctx, w.Token)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestListSkipsExpired(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.Register(ctx, "w-1", "builder-1", "linux", nil, "claude")
	require.NoError(t, err)

	r.Advance(WorkerTTL + time.Second)
	_, err = r.Register(ctx, "w-2", "builder-2", "linux", nil, "claude")
	require.NoError(t, err)

	workers, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w-2", workers[0].ID)
}
