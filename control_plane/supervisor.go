package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/gitops"
	"github.com/blas1n/BSNexus/control_plane/orchestrator"
	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/statemachine"
	"github.com/blas1n/BSNexus/control_plane/streams"
	"github.com/blas1n/BSNexus/control_plane/store"
)

// ErrOrchestratorRunning rejects a second start for the same project.
var ErrOrchestratorRunning = errors.New("orchestrator already running for this project")

// ErrOrchestratorNotRunning rejects a stop with nothing to stop.
var ErrOrchestratorNotRunning = errors.New("no running orchestrator for this project")

// Supervisor owns one PM orchestrator per active project. Each
// orchestrator gets its own state machine bound to the project's git
// repository.
type Supervisor struct {
	store    store.Store
	broker   streams.Broker
	registry registry.Registry
	signer   *promptsig.Signer
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	running map[string]*orchestrator.Orchestrator
}

func NewSupervisor(st store.Store, broker streams.Broker, reg registry.Registry, signer *promptsig.Signer, interval time.Duration) *Supervisor {
	return &Supervisor{
		store:    st,
		broker:   broker,
		registry: reg,
		signer:   signer,
		interval: interval,
		log:      logrus.WithField("component", "supervisor"),
		running:  make(map[string]*orchestrator.Orchestrator),
	}
}

// Start spins up orchestration for one project.
func (s *Supervisor) Start(ctx context.Context, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[projectID]; ok {
		return ErrOrchestratorRunning
	}

	machine := statemachine.New(gitops.NewCLI(project.RepoPath), s.signer)
	orch := orchestrator.New(projectID, s.store, s.broker, s.registry, machine, orchestrator.Options{
		Interval: s.interval,
	})
	if err := orch.Start(ctx); err != nil {
		return err
	}
	s.running[projectID] = orch
	s.log.WithField("project_id", projectID).Info("orchestration started")
	return nil
}

// Stop halts orchestration for one project.
func (s *Supervisor) Stop(projectID string) error {
	s.mu.Lock()
	orch, ok := s.running[projectID]
	delete(s.running, projectID)
	s.mu.Unlock()

	if !ok {
		return ErrOrchestratorNotRunning
	}
	orch.Stop()
	s.log.WithField("project_id", projectID).Info("orchestration stopped")
	return nil
}

// Running reports whether the project has a live orchestrator.
func (s *Supervisor) Running(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[projectID]
	return ok
}

// Get returns the project's orchestrator, or nil.
func (s *Supervisor) Get(projectID string) *orchestrator.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[projectID]
}

// orchestratorFor returns the running orchestrator or an ephemeral one
// for single-shot operations like queue-next on a paused project.
func (s *Supervisor) orchestratorFor(ctx context.Context, projectID string) (*orchestrator.Orchestrator, error) {
	if orch := s.Get(projectID); orch != nil {
		return orch, nil
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	machine := statemachine.New(gitops.NewCLI(project.RepoPath), s.signer)
	return orchestrator.New(projectID, s.store, s.broker, s.registry, machine, orchestrator.Options{
		Interval: s.interval,
	}), nil
}

// QueueNext manually queues the highest-priority ready task.
func (s *Supervisor) QueueNext(ctx context.Context, projectID string) (*store.Task, error) {
	orch, err := s.orchestratorFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return orch.QueueNext(ctx)
}

// PromoteWaiting promotes waiting tasks whose dependencies are met.
func (s *Supervisor) PromoteWaiting(ctx context.Context, projectID string) error {
	orch, err := s.orchestratorFor(ctx, projectID)
	if err != nil {
		return err
	}
	return orch.PromoteWaiting(ctx)
}

// StopAll halts every orchestrator. Used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	orchs := make([]*orchestrator.Orchestrator, 0, len(s.running))
	for id, orch := range s.running {
		orchs = append(orchs, orch)
		delete(s.running, id)
	}
	s.mu.Unlock()

	for _, orch := range orchs {
		orch.Stop()
	}
}
