package gitops

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Git for tests. It records calls and can be
// primed to fail.
type Fake struct {
	mu      sync.Mutex
	commits int

	Calls    []string
	FailWith error
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
	return f.FailWith
}

func (f *Fake) CreatePhaseBranch(ctx context.Context, branch string) error {
	return f.record("branch " + branch)
}

func (f *Fake) CommitTask(ctx context.Context, taskID, title, phaseBranch string) (string, error) {
	if err := f.record(fmt.Sprintf("commit %s on %s", taskID, phaseBranch)); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return fmt.Sprintf("commit-%04d", f.commits), nil
}

func (f *Fake) RevertTask(ctx context.Context, commitHash string) error {
	if commitHash == "" {
		return nil
	}
	return f.record("revert " + commitHash)
}

func (f *Fake) MergePhase(ctx context.Context, phaseBranch, target string) error {
	return f.record(fmt.Sprintf("merge %s into %s", phaseBranch, target))
}

func (f *Fake) CurrentCommit(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("commit-%04d", f.commits), nil
}
