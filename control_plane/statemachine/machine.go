// Package statemachine owns the task lifecycle: which status edges are
// legal, what each transition does on the side (queue publishes, git
// commits and reverts, dependency cascades), and the append-only
// history trail.
package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/gitops"
	"github.com/blas1n/BSNexus/control_plane/observability"
	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/streams"
	"github.com/blas1n/BSNexus/control_plane/store"
)

// Machine executes task transitions. Git and signer are optional: a nil
// git skips VCS side effects, a nil signer queues prompts unsigned.
type Machine struct {
	git    gitops.Git
	signer *promptsig.Signer
	log    *logrus.Entry
}

func New(git gitops.Git, signer *promptsig.Signer) *Machine {
	return &Machine{
		git:    git,
		signer: signer,
		log:    logrus.WithField("component", "statemachine"),
	}
}

// Request describes one transition. ExpectedVersion is the version the
// caller read; the write is rejected with store.ErrVersionConflict when
// the row moved underneath it.
type Request struct {
	Task            *store.Task
	To              store.TaskStatus
	Reason          string
	Actor           string
	ExpectedVersion int

	// WorkerID applies to in_progress, ReviewerID to review.
	WorkerID   string
	ReviewerID string

	// Extra lands in the history row's metadata column.
	Extra map[string]any
}

// ErrReviewerIsExecutor rejects assigning the task's own executor as
// its reviewer.
var ErrReviewerIsExecutor = errors.New("reviewer must differ from executor")

// Transition validates the edge, records history, applies side effects,
// persists the task under optimistic locking, and publishes a board
// event. The store should be transaction-scoped so that the status
// write, the history row, and any cascade land atomically.
func (m *Machine) Transition(ctx context.Context, st store.Store, broker streams.Broker, req Request) error {
	task := req.Task
	from := task.Status

	if !CanTransition(from, req.To) {
		observability.InvalidTransitions.WithLabelValues(string(from), string(req.To)).Inc()
		return &InvalidTransitionError{From: from, To: req.To}
	}
	if req.To == store.StatusReview && req.ReviewerID != "" && req.ReviewerID == task.WorkerID {
		return ErrReviewerIsExecutor
	}

	actor := req.Actor
	if actor == "" {
		actor = "system"
	}

	var metadata json.RawMessage
	if len(req.Extra) > 0 {
		data, err := json.Marshal(req.Extra)
		if err != nil {
			return fmt.Errorf("encode transition metadata: %w", err)
		}
		metadata = data
	}
	if err := st.AppendHistory(ctx, &store.TaskHistory{
		TaskID:     task.ID,
		FromStatus: string(from),
		ToStatus:   string(req.To),
		Actor:      actor,
		Reason:     req.Reason,
		Metadata:   metadata,
	}); err != nil {
		return err
	}

	task.Status = req.To
	if err := m.applySideEffects(ctx, broker, req); err != nil {
		return err
	}

	if err := st.UpdateTask(ctx, task, req.ExpectedVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			observability.VersionConflicts.Inc()
		}
		return err
	}
	observability.TaskTransitions.WithLabelValues(string(from), string(req.To)).Inc()

	// Cascades run after the task row is persisted so dependency checks
	// see the new status.
	switch req.To {
	case store.StatusDone:
		if err := m.cascadeDone(ctx, st, broker, task); err != nil {
			return err
		}
	case store.StatusRejected:
		if err := m.cascadeRejected(ctx, st, broker, task); err != nil {
			return err
		}
	}

	if broker != nil {
		if err := broker.PublishBoardEvent(ctx, "task_transition", map[string]any{
			"task_id":     task.ID,
			"project_id":  task.ProjectID,
			"from_status": string(from),
			"to_status":   string(req.To),
			"actor":       actor,
		}); err != nil {
			// Board fan-out is advisory.
			m.log.WithError(err).Warn("board event publish failed")
		}
	}

	m.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"from":    from,
		"to":      req.To,
		"actor":   actor,
	}).Info("task transition")
	return nil
}

func (m *Machine) applySideEffects(ctx context.Context, broker streams.Broker, req Request) error {
	task := req.Task
	switch req.To {
	case store.StatusQueued:
		return m.onQueued(ctx, broker, task)
	case store.StatusInProgress:
		if req.WorkerID != "" {
			task.WorkerID = req.WorkerID
		}
		now := time.Now().UTC()
		task.StartedAt = &now
	case store.StatusReview:
		if req.ReviewerID != "" {
			task.ReviewerID = req.ReviewerID
		}
		return m.onReview(ctx, broker, task)
	case store.StatusDone:
		now := time.Now().UTC()
		task.CompletedAt = &now
		m.commitTask(ctx, task)
	case store.StatusRejected:
		if req.Reason != "" {
			task.ErrorMessage = req.Reason
		}
		m.revertTask(ctx, task)
	}
	return nil
}

func (m *Machine) onQueued(ctx context.Context, broker streams.Broker, task *store.Task) error {
	if broker == nil {
		return nil
	}
	message := map[string]any{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"priority":   string(task.Priority),
		"title":      task.Title,
	}
	if m.signer != nil && len(task.WorkerPrompt) > 0 {
		message["signed_worker_prompt"] = m.signer.Sign(string(task.WorkerPrompt))
	}
	_, err := broker.Publish(ctx, streams.TasksQueue, message)
	return err
}

func (m *Machine) onReview(ctx context.Context, broker streams.Broker, task *store.Task) error {
	if broker == nil {
		return nil
	}
	message := map[string]any{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"title":      task.Title,
	}
	if m.signer != nil && len(task.QAPrompt) > 0 {
		message["signed_qa_prompt"] = m.signer.Sign(string(task.QAPrompt))
	}
	_, err := broker.Publish(ctx, streams.TasksQA, message)
	return err
}

// commitTask records the task's work as a commit on its phase branch.
// VCS failures never block completion.
func (m *Machine) commitTask(ctx context.Context, task *store.Task) {
	if m.git == nil || task.BranchName == "" {
		return
	}
	hash, err := m.git.CommitTask(ctx, task.ID, task.Title, task.BranchName)
	if err != nil {
		observability.GitSideEffectFailures.WithLabelValues("commit").Inc()
		m.log.WithError(err).WithField("task_id", task.ID).Warn("git commit failed")
		return
	}
	task.CommitHash = hash
}

// revertTask undoes the task's commit. VCS failures never block
// rejection.
func (m *Machine) revertTask(ctx context.Context, task *store.Task) {
	if m.git == nil || task.CommitHash == "" {
		return
	}
	if err := m.git.RevertTask(ctx, task.CommitHash); err != nil {
		observability.GitSideEffectFailures.WithLabelValues("revert").Inc()
		m.log.WithError(err).WithField("task_id", task.ID).Warn("git revert failed")
		return
	}
	task.CommitHash = ""
}

// cascadeDone promotes dependents of a completed task: waiting or
// blocked tasks whose dependencies are now all done advance to ready.
func (m *Machine) cascadeDone(ctx context.Context, st store.Store, broker streams.Broker, task *store.Task) error {
	waiting, err := st.FindWaitingDependents(ctx, task.ID)
	if err != nil {
		return err
	}
	blocked, err := st.FindBlockedDependents(ctx, task.ID)
	if err != nil {
		return err
	}

	for _, dep := range append(waiting, blocked...) {
		met, err := m.DependenciesMet(ctx, st, dep.ID)
		if err != nil {
			return err
		}
		if !met {
			continue
		}
		if err := m.Transition(ctx, st, broker, Request{
			Task:            dep,
			To:              store.StatusReady,
			Reason:          fmt.Sprintf("all dependencies met (triggered by task %s)", task.ID),
			Actor:           "system",
			ExpectedVersion: dep.Version,
		}); err != nil {
			return err
		}
	}
	return nil
}

// cascadeRejected blocks waiting dependents of a rejected task.
func (m *Machine) cascadeRejected(ctx context.Context, st store.Store, broker streams.Broker, task *store.Task) error {
	waiting, err := st.FindWaitingDependents(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, dep := range waiting {
		if err := m.Transition(ctx, st, broker, Request{
			Task:            dep,
			To:              store.StatusBlocked,
			Reason:          "dependency rejected",
			Actor:           "system",
			ExpectedVersion: dep.Version,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DependenciesMet reports whether every dependency of taskID is done.
func (m *Machine) DependenciesMet(ctx context.Context, st store.Store, taskID string) (bool, error) {
	n, err := st.IncompleteDependencyCount(ctx, taskID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
