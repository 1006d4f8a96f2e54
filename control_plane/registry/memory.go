package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests. TTL expiry is
// simulated against an injectable clock.
type MemoryRegistry struct {
	mu      sync.Mutex
	workers map[string]*memoryRecord
	tokens  map[string]memoryToken
	now     func() time.Time
}

type memoryRecord struct {
	worker    Worker
	expiresAt time.Time
}

type memoryToken struct {
	workerID  string
	expiresAt time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		workers: make(map[string]*memoryRecord),
		tokens:  make(map[string]memoryToken),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, id, name, platform string, capabilities []string, executorType string) (*Worker, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w := Worker{
		ID:           id,
		Name:         name,
		Platform:     platform,
		Capabilities: append([]string(nil), capabilities...),
		ExecutorType: executorType,
		Status:       StatusIdle,
		Token:        token,
	}
	r.workers[id] = &memoryRecord{worker: w, expiresAt: r.now().Add(WorkerTTL)}
	r.tokens[token] = memoryToken{workerID: id, expiresAt: r.now().Add(TokenTTL)}

	out := w
	return &out, nil
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.live(id)
	if rec == nil {
		return false, nil
	}
	rec.expiresAt = r.now().Add(WorkerTTL)
	return true, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.live(id)
	if rec == nil {
		return nil, nil
	}
	out := rec.worker
	out.Token = ""
	return &out, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var workers []*Worker
	for id := range r.workers {
		if rec := r.live(id); rec != nil {
			out := rec.worker
			out.Token = ""
			workers = append(workers, &out)
		}
	}
	return workers, nil
}

func (r *MemoryRegistry) SetBusy(ctx context.Context, id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.live(id); rec != nil {
		rec.worker.Status = StatusBusy
		rec.worker.CurrentTaskID = taskID
	}
	return nil
}

func (r *MemoryRegistry) SetIdle(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.live(id); rec != nil {
		rec.worker.Status = StatusIdle
		rec.worker.CurrentTaskID = ""
	}
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.workers[id]; ok {
		delete(r.tokens, rec.worker.Token)
		delete(r.workers, id)
	}
	return nil
}

func (r *MemoryRegistry) ResolveToken(ctx context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[token]
	if !ok || r.now().After(tok.expiresAt) {
		return "", nil
	}
	return tok.workerID, nil
}

// Advance shifts the simulated clock forward. Test helper.
func (r *MemoryRegistry) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.now()
	r.now = func() time.Time { return base.Add(d) }
}

// live returns the record if unexpired, reaping it otherwise. Callers
// hold the mutex.
func (r *MemoryRegistry) live(id string) *memoryRecord {
	rec, ok := r.workers[id]
	if !ok {
		return nil
	}
	if r.now().After(rec.expiresAt) {
		delete(r.tokens, rec.worker.Token)
		delete(r.workers, id)
		return nil
	}
	return rec
}
