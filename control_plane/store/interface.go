// Package store is the durable system of record for projects, phases,
// tasks, the dependency graph, and the task transition log. The
// production implementation is PostgreSQL via pgx; the memory
// implementation backs tests.
package store

import "context"

// Store is the persistence contract.
//
// UpdateTask enforces optimistic concurrency: the write only lands when
// the stored version still equals expectedVersion, and the stored
// version is bumped by one. Concurrent writers lose with
// ErrVersionConflict and must re-read.
type Store interface {
	// Task operations.

	// CreateTask persists a new task and its dependency edges. It assigns
	// the id when blank and initializes version to 1.
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task, expectedVersion int) error
	ListProjectTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*Task, error)

	// ListReadyByPriority returns ready tasks ordered critical first,
	// ties broken by creation time.
	ListReadyByPriority(ctx context.Context, projectID string) ([]*Task, error)

	CountByStatus(ctx context.Context, projectID string) (map[string]int, error)

	// History.

	AppendHistory(ctx context.Context, h *TaskHistory) error
	GetTaskHistory(ctx context.Context, taskID string) ([]*TaskHistory, error)

	// Dependency graph.

	// MissingDependencies returns the subset of ids that do not exist.
	MissingDependencies(ctx context.Context, ids []string) ([]string, error)

	// HasCircularDependency reports whether linking taskID to dependsOn
	// would close a cycle.
	HasCircularDependency(ctx context.Context, taskID string, dependsOn []string) (bool, error)

	DependencyIDs(ctx context.Context, taskID string) ([]string, error)
	IncompleteDependencyCount(ctx context.Context, taskID string) (int, error)
	FindWaitingDependents(ctx context.Context, taskID string) ([]*Task, error)
	FindBlockedDependents(ctx context.Context, taskID string) ([]*Task, error)

	// Projects and phases.

	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, limit, offset int) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error

	CreatePhase(ctx context.Context, ph *Phase) error
	GetPhase(ctx context.Context, id string) (*Phase, error)
	ListPhases(ctx context.Context, projectID string) ([]*Phase, error)
	UpdatePhase(ctx context.Context, ph *Phase) error

	// WithTx runs fn inside one transaction. The Store passed to fn is
	// transaction-scoped; any error rolls the transaction back.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close()
}
