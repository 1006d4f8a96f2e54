// Package orchestrator is the PM side of the pipeline: a scheduling
// loop that feeds ready tasks to the worker queue, and a results loop
// that consumes execution and QA outcomes and drives tasks through the
// state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/observability"
	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/statemachine"
	"github.com/blas1n/BSNexus/control_plane/streams"
	"github.com/blas1n/BSNexus/control_plane/store"
)

const (
	defaultInterval = 5 * time.Second
	resultsBlock    = 5 * time.Second
	resultsBatch    = 10
	promoteLimit    = 500
)

// Orchestrator runs the two PM loops for one project.
type Orchestrator struct {
	projectID string
	store     store.Store
	broker    streams.Broker
	registry  registry.Registry
	machine   *statemachine.Machine
	log       *logrus.Entry

	interval time.Duration
	consumer string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Options tune the loops. Zero values take defaults.
type Options struct {
	Interval time.Duration
	Consumer string
}

func New(projectID string, st store.Store, broker streams.Broker, reg registry.Registry, machine *statemachine.Machine, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Consumer == "" {
		opts.Consumer = "pm-0"
	}
	return &Orchestrator{
		projectID: projectID,
		store:     st,
		broker:    broker,
		registry:  reg,
		machine:   machine,
		log:       logrus.WithFields(logrus.Fields{"component": "orchestrator", "project_id": projectID}),
		interval:  opts.Interval,
		consumer:  opts.Consumer,
	}
}

// Start promotes dependency-free waiting tasks, then runs the
// scheduling and results loops until Stop or context cancellation.
// It returns immediately; the loops run in their own goroutines.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return errors.New("orchestrator already running")
	}

	if err := o.PromoteWaiting(ctx); err != nil {
		o.log.WithError(err).Warn("promote waiting tasks failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.schedulingLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		o.resultsLoop(loopCtx)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(o.done)

	o.log.Info("orchestrator started")
	return nil
}

// Stop cancels both loops and waits for them to exit. Consumed but
// unacked result messages stay pending for the next PM instance.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.log.Info("orchestrator stopped")
}

// PromoteWaiting advances every waiting task whose dependencies are all
// met to ready. Runs once at startup and after bulk task imports.
func (o *Orchestrator) PromoteWaiting(ctx context.Context) error {
	return o.store.WithTx(ctx, func(tx store.Store) error {
		waiting, err := tx.ListProjectTasks(ctx, o.projectID, store.TaskFilter{
			Status: store.StatusWaiting,
			Limit:  promoteLimit,
		})
		if err != nil {
			return err
		}
		for _, task := range waiting {
			met, err := o.machine.DependenciesMet(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			if !met {
				continue
			}
			if err := o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
				Task:            task,
				To:              store.StatusReady,
				Reason:          "All dependencies met",
				Actor:           "system",
				ExpectedVersion: task.Version,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) schedulingLoop(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if err := o.SchedulePass(ctx); err != nil && ctx.Err() == nil {
			o.log.WithError(err).Error("scheduling pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SchedulePass queues ready tasks, at most one per currently idle
// worker. The queue's consumer group picks the actual worker; the cap
// only prevents over-queueing when the fleet is small.
func (o *Orchestrator) SchedulePass(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.SchedulingPassDuration.Observe(time.Since(start).Seconds())
	}()

	workers, err := o.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	idle := 0
	for _, w := range workers {
		if w.Status == registry.StatusIdle {
			idle++
		}
	}
	observability.IdleWorkers.Set(float64(idle))

	return o.store.WithTx(ctx, func(tx store.Store) error {
		ready, err := tx.ListReadyByPriority(ctx, o.projectID)
		if err != nil {
			return err
		}
		observability.ReadyTasks.WithLabelValues(o.projectID).Set(float64(len(ready)))

		n := len(ready)
		if idle < n {
			n = idle
		}
		for _, task := range ready[:n] {
			if err := o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
				Task:            task,
				To:              store.StatusQueued,
				Reason:          "Scheduled by PM",
				Actor:           "pm",
				ExpectedVersion: task.Version,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) resultsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := o.broker.Consume(ctx, streams.TasksResults, streams.GroupPM, o.consumer, resultsBatch, resultsBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.WithError(err).Error("results consume failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.interval):
			}
			continue
		}

		for _, msg := range msgs {
			err := o.store.WithTx(ctx, func(tx store.Store) error {
				return o.processResult(ctx, tx, msg.Values)
			})
			switch {
			case err == nil:
				// Handled.
			case statemachine.IsInvalidTransition(err):
				// Duplicate delivery of an already-applied result.
				o.log.WithField("message_id", msg.ID).Debug("dropping duplicate result")
			default:
				// Leave unacked; the broker will redeliver.
				o.log.WithError(err).WithField("message_id", msg.ID).Error("result processing failed")
				continue
			}
			if err := o.broker.Ack(ctx, streams.TasksResults, streams.GroupPM, msg.ID); err != nil {
				o.log.WithError(err).Error("result ack failed")
			}
		}
	}
}

func (o *Orchestrator) processResult(ctx context.Context, tx store.Store, values map[string]string) error {
	taskID := values["task_id"]
	resultType := values["type"]
	if resultType == "" {
		resultType = "execution"
	}
	workerID := values["worker_id"]

	task, err := tx.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.WithField("task_id", taskID).Warn("result for unknown task")
		return nil
	}
	if err != nil {
		return err
	}

	switch resultType {
	case "execution":
		if values["success"] == "true" {
			observability.ResultsProcessed.WithLabelValues("execution", "success").Inc()
			return o.assignReviewer(ctx, tx, task, workerID)
		}
		observability.ResultsProcessed.WithLabelValues("execution", "failure").Inc()
		if err := o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
			Task:            task,
			To:              store.StatusRejected,
			Reason:          "Execution failed: " + values["error_message"],
			Actor:           "pm",
			ExpectedVersion: task.Version,
		}); err != nil {
			return err
		}
		if workerID != "" {
			if err := o.registry.SetIdle(ctx, workerID); err != nil {
				o.log.WithError(err).Warn("set worker idle failed")
			}
		}
		return nil

	case "qa":
		var terr error
		if values["passed"] == "true" {
			observability.ResultsProcessed.WithLabelValues("qa", "passed").Inc()
			terr = o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
				Task:            task,
				To:              store.StatusDone,
				Reason:          "QA passed",
				Actor:           "pm",
				ExpectedVersion: task.Version,
			})
		} else {
			observability.ResultsProcessed.WithLabelValues("qa", "failed").Inc()
			terr = o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
				Task:            task,
				To:              store.StatusRejected,
				Reason:          "QA failed: " + values["feedback"],
				Actor:           "pm",
				ExpectedVersion: task.Version,
			})
		}
		if terr != nil {
			return terr
		}
		if workerID != "" {
			if err := o.registry.SetIdle(ctx, workerID); err != nil {
				o.log.WithError(err).Warn("set reviewer idle failed")
			}
		}
		return nil

	default:
		o.log.WithField("type", resultType).Warn("unknown result type")
		return nil
	}
}

// assignReviewer moves a successfully executed task into review with
// the first idle worker that is not its executor. When none is
// available the task stays in_progress and the next scheduling pass
// retries.
func (o *Orchestrator) assignReviewer(ctx context.Context, tx store.Store, task *store.Task, executorID string) error {
	workers, err := o.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	for _, w := range workers {
		if w.Status != registry.StatusIdle || w.ID == executorID {
			continue
		}
		if err := o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
			Task:            task,
			To:              store.StatusReview,
			Reason:          "Assigned reviewer",
			Actor:           "pm",
			ReviewerID:      w.ID,
			ExpectedVersion: task.Version,
		}); err != nil {
			return err
		}
		if err := o.registry.SetBusy(ctx, w.ID, task.ID); err != nil {
			o.log.WithError(err).Warn("set reviewer busy failed")
		}
		return nil
	}

	o.log.WithField("task_id", task.ID).Info("no eligible reviewer, leaving in progress")
	return nil
}

// QueueNext manually queues the highest-priority ready task. Returns
// nil when nothing is ready.
func (o *Orchestrator) QueueNext(ctx context.Context) (*store.Task, error) {
	var queued *store.Task
	err := o.store.WithTx(ctx, func(tx store.Store) error {
		ready, err := tx.ListReadyByPriority(ctx, o.projectID)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}
		task := ready[0]
		if err := o.machine.Transition(ctx, tx, o.broker, statemachine.Request{
			Task:            task,
			To:              store.StatusQueued,
			Reason:          "Manually queued",
			Actor:           "user",
			ExpectedVersion: task.Version,
		}); err != nil {
			return err
		}
		queued = task
		return nil
	})
	return queued, err
}
