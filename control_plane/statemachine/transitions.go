package statemachine

import (
	"errors"
	"fmt"

	"github.com/blas1n/BSNexus/control_plane/store"
)

// transitions is the complete set of legal status edges. Anything not
// listed is rejected.
var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.StatusWaiting:    {store.StatusReady, store.StatusBlocked},
	store.StatusReady:      {store.StatusQueued},
	store.StatusQueued:     {store.StatusInProgress},
	store.StatusInProgress: {store.StatusReview, store.StatusRejected},
	store.StatusReview:     {store.StatusDone, store.StatusRejected},
	store.StatusDone:       {store.StatusRejected},
	store.StatusRejected:   {store.StatusReady},
	store.StatusBlocked:    {store.StatusReady},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to store.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError rejects an edge not in the table. A duplicate
// delivery of an already-applied transition surfaces as this error,
// because the stored status no longer matches from.
type InvalidTransitionError struct {
	From store.TaskStatus
	To   store.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// InitialStatus is waiting when the task has dependencies, else ready.
func InitialStatus(dependsOn []string) store.TaskStatus {
	if len(dependsOn) > 0 {
		return store.StatusWaiting
	}
	return store.StatusReady
}
