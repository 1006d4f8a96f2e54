// Package gitops maps the work hierarchy onto git: a phase is a branch,
// a completed task is a commit on that branch, a rejected task is a
// revert of its commit.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git is the version-control side-effect surface of the task lifecycle.
type Git interface {
	// CreatePhaseBranch creates and checks out a new phase branch.
	CreatePhaseBranch(ctx context.Context, branch string) error

	// CommitTask stages everything on the phase branch and commits it,
	// returning the new commit hash.
	CommitTask(ctx context.Context, taskID, title, phaseBranch string) (string, error)

	// RevertTask reverts the given commit. A blank hash is a no-op.
	RevertTask(ctx context.Context, commitHash string) error

	// MergePhase merges the phase branch into target with a merge commit.
	MergePhase(ctx context.Context, phaseBranch, target string) error

	// CurrentCommit returns the HEAD commit hash.
	CurrentCommit(ctx context.Context) (string, error)
}

// GitError carries the failed subcommand and its stderr.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

func (e *GitError) Unwrap() error { return e.Err }

// CLI shells out to the git binary against one repository.
type CLI struct {
	repoPath string
}

func NewCLI(repoPath string) *CLI {
	return &CLI{repoPath: repoPath}
}

func (g *CLI) CreatePhaseBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", "-b", branch)
	return err
}

func (g *CLI) CommitTask(ctx context.Context, taskID, title, phaseBranch string) (string, error) {
	if _, err := g.run(ctx, "checkout", phaseBranch); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "add", "."); err != nil {
		return "", err
	}
	message := fmt.Sprintf("feat(task-%s): %s", taskID, title)
	// --allow-empty keeps the task-to-commit mapping intact even when a
	// worker produced no file changes.
	if _, err := g.run(ctx, "commit", "-m", message, "--allow-empty"); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

func (g *CLI) RevertTask(ctx context.Context, commitHash string) error {
	if commitHash == "" {
		return nil
	}
	_, err := g.run(ctx, "revert", "--no-edit", commitHash)
	return err
}

func (g *CLI) MergePhase(ctx context.Context, phaseBranch, target string) error {
	if target == "" {
		target = "main"
	}
	if _, err := g.run(ctx, "checkout", target); err != nil {
		return err
	}
	_, err := g.run(ctx, "merge", phaseBranch, "--no-ff")
	return err
}

func (g *CLI) CurrentCommit(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

func (g *CLI) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", g.repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &GitError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}
