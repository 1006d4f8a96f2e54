package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blas1n/BSNexus/control_plane/store"
)

var allStatuses = []store.TaskStatus{
	store.StatusWaiting, store.StatusReady, store.StatusQueued,
	store.StatusInProgress, store.StatusReview, store.StatusDone,
	store.StatusRejected, store.StatusBlocked,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]store.TaskStatus]bool{
		{store.StatusWaiting, store.StatusReady}: true,
		{store.StatusWaiting, store.StatusBlocked}: true,
		{store.StatusReady, store.StatusQueued}: true,
		{store.StatusQueued, store.StatusInProgress}: true,
		{store.StatusInProgress, store.StatusReview}: true,
		{store.StatusInProgress, store.StatusRejected}: true,
		{store.StatusReview, store.StatusDone}: true,
		{store.StatusReview, store.StatusRejected}: true,
		{store.StatusDone, store.StatusRejected}: true,
		{store.StatusRejected, store.StatusReady}: true,
		{store.StatusBlocked, store.StatusReady}: true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]store.TaskStatus{from, to}], CanTransition(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestNoSelfEdges(t *testing.T) {
	for _, status := range allStatuses {
		assert.False(t, CanTransition(status, status), "%s -> %s", status, status)
	}
}

func TestUnknownStatusHasNoEdges(t *testing.T) {
	for _, to := range allStatuses {
		assert.False(t, CanTransition(store.TaskStatus("archived"), to))
	}
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, store.StatusReady, InitialStatus(nil))
	assert.Equal(t, store.StatusReady, InitialStatus([]string{}))
	assert.Equal(t, store.StatusWaiting, InitialStatus([]string{"a"}))
}
