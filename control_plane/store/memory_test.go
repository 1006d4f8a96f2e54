package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProject(t *testing.T, s Store) (projectID, phaseID string) {
	t.Helper()
	ctx := context.Background()

	p := &Project{Name: "api-service", Description: "demo", RepoPath: "/tmp/repo", Status: ProjectActive}
	require.NoError(t, s.CreateProject(ctx, p))

	ph := &Phase{ProjectID: p.ID, Name: "phase-1", BranchName: "phase/phase-1", Order: 1, Status: PhaseActive}
	require.NoError(t, s.CreatePhase(ctx, ph))
	return p.ID, ph.ID
}

func newTask(projectID, phaseID, title string) *Task {
	return &Task{ProjectID: projectID, PhaseID: phaseID, Title: title}
}

func TestCreateTaskDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	task := newTask(pid, phid, "build endpoint")
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, PriorityMedium, got.Priority)
	assert.Equal(t, 1, got.Version)
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	task := newTask(pid, phid, "build endpoint")
	require.NoError(t, s.CreateTask(ctx, task))

	first, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	second, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)

	first.Status = StatusReady
	require.NoError(t, s.UpdateTask(ctx, first, first.Version))
	assert.Equal(t, 2, first.Version)

	// Stale writer loses.
	second.Status = StatusBlocked
	err = s.UpdateTask(ctx, second, second.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestGetTaskNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetTask(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReadyByPriority(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	mk := func(title string, prio TaskPriority) *Task {
		task := newTask(pid, phid, title)
		task.Status = StatusReady
		task.Priority = prio
		require.NoError(t, s.CreateTask(ctx, task))
		return task
	}
	mk("low", PriorityLow)
	mk("medium-1", PriorityMedium)
	mk("critical", PriorityCritical)
	mk("medium-2", PriorityMedium)

	waiting := newTask(pid, phid, "not ready")
	require.NoError(t, s.CreateTask(ctx, waiting))

	ready, err := s.ListReadyByPriority(ctx, pid)
	require.NoError(t, err)
	require.Len(t, ready, 4)
	assert.Equal(t, "critical", ready[0].Title)
	// Equal priorities keep creation order.
	assert.Equal(t, "medium-1", ready[1].Title)
	assert.Equal(t, "medium-2", ready[2].Title)
	assert.Equal(t, "low", ready[3].Title)
}

func TestMissingDependencies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	a := newTask(pid, phid, "a")
	require.NoError(t, s.CreateTask(ctx, a))

	missing, err := s.MissingDependencies(ctx, []string{a.ID, "ghost-1", "ghost-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost-1", "ghost-2"}, missing)
}

func TestHasCircularDependency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	// a <- b <- c (c depends on b, b depends on a)
	a := newTask(pid, phid, "a")
	require.NoError(t, s.CreateTask(ctx, a))
	b := newTask(pid, phid, "b")
	b.DependsOn = []string{a.ID}
	require.NoError(t, s.CreateTask(ctx, b))
	c := newTask(pid, phid, "c")
	c.DependsOn = []string{b.ID}
	require.NoError(t, s.CreateTask(ctx, c))

	// Linking a to c closes a cycle through b.
	cyclic, err := s.HasCircularDependency(ctx, a.ID, []string{c.ID})
	require.NoError(t, err)
	assert.True(t, cyclic)

	// Self-dependency is a cycle.
	cyclic, err = s.HasCircularDependency(ctx, a.ID, []string{a.ID})
	require.NoError(t, err)
	assert.True(t, cyclic)

	// A fresh task depending on the chain is fine.
	cyclic, err = s.HasCircularDependency(ctx, "new-task", []string{c.ID})
	require.NoError(t, err)
	assert.False(t, cyclic)
}

func TestIncompleteDependencyCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	a := newTask(pid, phid, "a")
	a.Status = StatusDone
	require.NoError(t, s.CreateTask(ctx, a))
	b := newTask(pid, phid, "b")
	require.NoError(t, s.CreateTask(ctx, b))

	c := newTask(pid, phid, "c")
	c.DependsOn = []string{a.ID, b.ID}
	require.NoError(t, s.CreateTask(ctx, c))

	n, err := s.IncompleteDependencyCount(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindDependentsByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	dep := newTask(pid, phid, "dep")
	require.NoError(t, s.CreateTask(ctx, dep))

	waiting := newTask(pid, phid, "waiting")
	waiting.DependsOn = []string{dep.ID}
	require.NoError(t, s.CreateTask(ctx, waiting))

	blocked := newTask(pid, phid, "blocked")
	blocked.Status = StatusBlocked
	blocked.DependsOn = []string{dep.ID}
	require.NoError(t, s.CreateTask(ctx, blocked))

	unrelated := newTask(pid, phid, "unrelated")
	require.NoError(t, s.CreateTask(ctx, unrelated))

	ws, err := s.FindWaitingDependents(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "waiting", ws[0].Title)

	bs, err := s.FindBlockedDependents(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, "blocked", bs[0].Title)
}

func TestFindDependentsCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	dep := newTask(pid, phid, "dep")
	require.NoError(t, s.CreateTask(ctx, dep))

	// Cascades visit dependents oldest first; both backends order by
	// created_at.
	for _, title := range []string{"first", "second", "third"} {
		t2 := newTask(pid, phid, title)
		t2.DependsOn = []string{dep.ID}
		require.NoError(t, s.CreateTask(ctx, t2))
	}

	ws, err := s.FindWaitingDependents(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, ws, 3)
	assert.Equal(t, "first", ws[0].Title)
	assert.Equal(t, "second", ws[1].Title)
	assert.Equal(t, "third", ws[2].Title)
}

func TestHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	task := newTask(pid, phid, "t")
	require.NoError(t, s.CreateTask(ctx, task))

	steps := []struct{ from, to string }{
		{"", "waiting"},
		{"waiting", "ready"},
		{"ready", "queued"},
	}
	for _, st := range steps {
		require.NoError(t, s.AppendHistory(ctx, &TaskHistory{
			TaskID: task.ID, FromStatus: st.from, ToStatus: st.to, Actor: "pm",
		}))
	}

	rows, err := s.GetTaskHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "waiting", rows[0].ToStatus)
	assert.Equal(t, "queued", rows[2].ToStatus)
}

func TestListProjectTasksFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	ready := newTask(pid, phid, "ready")
	ready.Status = StatusReady
	require.NoError(t, s.CreateTask(ctx, ready))
	done := newTask(pid, phid, "done")
	done.Status = StatusDone
	require.NoError(t, s.CreateTask(ctx, done))

	got, err := s.ListProjectTasks(ctx, pid, TaskFilter{Status: StatusReady})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].Title)

	all, err := s.ListProjectTasks(ctx, pid, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, "done", all[0].Title)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, phid := seedProject(t, s)

	for _, st := range []TaskStatus{StatusReady, StatusReady, StatusDone} {
		task := newTask(pid, phid, string(st))
		task.Status = st
		require.NoError(t, s.CreateTask(ctx, task))
	}

	counts, err := s.CountByStatus(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["ready"])
	assert.Equal(t, 1, counts["done"])
}

func TestPhaseOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pid, _ := seedProject(t, s)

	second := &Phase{ProjectID: pid, Name: "phase-2", BranchName: "phase/phase-2", Order: 2}
	require.NoError(t, s.CreatePhase(ctx, second))

	phases, err := s.ListPhases(ctx, pid)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, "phase-1", phases[0].Name)
	assert.Equal(t, "phase-2", phases[1].Name)
}
