package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests. Returned records are
// copies; mutate through the interface. WithTx serializes callers but
// does not roll back, which is enough fidelity for single-writer tests.
type MemoryStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	tasks    map[string]*Task
	history  map[string][]*TaskHistory
	projects map[string]*Project
	phases   map[string]*Phase
	seq      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		history:  make(map[string][]*TaskHistory),
		projects: make(map[string]*Project),
		phases:   make(map[string]*Phase),
	}
}

// --- Task operations ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusWaiting
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	task.Version = 1
	s.seq++
	// Distinct creation times keep ordering deterministic.
	task.CreatedAt = time.Now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
	task.UpdatedAt = task.CreatedAt

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	task.Version = expectedVersion + 1
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) ListProjectTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.PhaseID != "" && t.PhaseID != filter.PhaseID {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListReadyByPriority(ctx context.Context, projectID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID && t.Status == StatusReady {
			out = append(out, cloneTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := PriorityRank(out[i].Priority), PriorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			counts[string(t.Status)]++
		}
	}
	return counts, nil
}

// --- History ---

func (s *MemoryStore) AppendHistory(ctx context.Context, h *TaskHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		s.seq++
		h.Timestamp = time.Now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
	}
	cp := *h
	s.history[h.TaskID] = append(s.history[h.TaskID], &cp)
	return nil
}

func (s *MemoryStore) GetTaskHistory(ctx context.Context, taskID string) ([]*TaskHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.history[taskID]
	out := make([]*TaskHistory, 0, len(rows))
	for _, h := range rows {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// --- Dependency graph ---

func (s *MemoryStore) MissingDependencies(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for _, id := range ids {
		if _, ok := s.tasks[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *MemoryStore) HasCircularDependency(ctx context.Context, taskID string, dependsOn []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visited := make(map[string]bool)
	stack := append([]string(nil), dependsOn...)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		if t, ok := s.tasks[current]; ok {
			stack = append(stack, t.DependsOn...)
		}
	}
	return false, nil
}

func (s *MemoryStore) DependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), t.DependsOn...), nil
}

func (s *MemoryStore) IncompleteDependencyCount(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, dep := range t.DependsOn {
		if d, ok := s.tasks[dep]; !ok || d.Status != StatusDone {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindWaitingDependents(ctx context.Context, taskID string) ([]*Task, error) {
	return s.findDependents(taskID, StatusWaiting), nil
}

func (s *MemoryStore) FindBlockedDependents(ctx context.Context, taskID string) ([]*Task, error) {
	return s.findDependents(taskID, StatusBlocked), nil
}

func (s *MemoryStore) findDependents(taskID string, status TaskStatus) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status != status {
			continue
		}
		for _, dep := range t.DependsOn {
			if dep == taskID {
				out = append(out, cloneTask(t))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// --- Projects ---

func (s *MemoryStore) CreateProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProjectDesign
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProjects(ctx context.Context, limit, offset int) ([]*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Project
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

// --- Phases ---

func (s *MemoryStore) CreatePhase(ctx context.Context, ph *Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ph.ID == "" {
		ph.ID = uuid.NewString()
	}
	if ph.Status == "" {
		ph.Status = PhasePending
	}
	now := time.Now().UTC()
	ph.CreatedAt = now
	ph.UpdatedAt = now
	cp := *ph
	s.phases[ph.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPhase(ctx context.Context, id string) (*Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ph, ok := s.phases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ph
	return &cp, nil
}

func (s *MemoryStore) ListPhases(ctx context.Context, projectID string) ([]*Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Phase
	for _, ph := range s.phases {
		if ph.ProjectID == projectID {
			cp := *ph
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (s *MemoryStore) UpdatePhase(ctx context.Context, ph *Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.phases[ph.ID]; !ok {
		return ErrNotFound
	}
	ph.UpdatedAt = time.Now().UTC()
	cp := *ph
	s.phases[ph.ID] = &cp
	return nil
}

// --- Transactions ---

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

func (s *MemoryStore) Close() {}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.WorkerPrompt != nil {
		cp.WorkerPrompt = append([]byte(nil), t.WorkerPrompt...)
	}
	if t.QAPrompt != nil {
		cp.QAPrompt = append([]byte(nil), t.QAPrompt...)
	}
	if t.QAResult != nil {
		cp.QAResult = append([]byte(nil), t.QAResult...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
