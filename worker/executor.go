package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const executeTimeout = time.Hour

// ExecutionResult is the outcome of one coding task run.
type ExecutionResult struct {
	Success      bool
	OutputPath   string
	ErrorMessage string
	Stdout       string
	Stderr       string
}

// ReviewResult is the outcome of one QA review run.
type ReviewResult struct {
	Passed       bool
	Feedback     string
	ErrorMessage string
}

// Executor runs coding tasks and reviews. Implementations wrap an agent
// coder CLI; tests substitute a fake.
type Executor interface {
	Execute(ctx context.Context, prompt, taskID string) ExecutionResult
	Review(ctx context.Context, prompt, taskID string) ReviewResult
}

// NewExecutor is the executor factory keyed by configured type.
func NewExecutor(executorType, workspaceDir string) (Executor, error) {
	switch executorType {
	case "claude-code":
		return &ClaudeCLI{WorkspaceDir: workspaceDir}, nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", executorType)
	}
}

// ClaudeCLI shells out to the claude binary in print mode. Each run is
// bounded by executeTimeout.
type ClaudeCLI struct {
	WorkspaceDir string
}

func (c *ClaudeCLI) Execute(ctx context.Context, prompt, taskID string) ExecutionResult {
	runCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "claude",
		"--print", "--dangerously-skip-permissions", "-p", prompt)
	cmd.Dir = c.WorkspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ExecutionResult{
			Success:      false,
			ErrorMessage: "Execution timed out after 1 hour",
		}
	}

	result := ExecutionResult{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		result.ErrorMessage = stderr.String()
		if result.ErrorMessage == "" {
			result.ErrorMessage = err.Error()
		}
	}
	return result
}

// Review runs the prompt under a PASS/FAIL protocol and parses the
// verdict from the first line of output.
func (c *ClaudeCLI) Review(ctx context.Context, prompt, taskID string) ReviewResult {
	reviewPrompt := fmt.Sprintf(`Please review the following code changes.

%s

Response format:
- Start with PASS or FAIL
- Explain the reason
`, prompt)

	result := c.Execute(ctx, reviewPrompt, taskID)
	if !result.Success {
		return ReviewResult{Passed: false, ErrorMessage: result.ErrorMessage}
	}

	output := strings.TrimSpace(result.Stdout)
	return ReviewResult{
		Passed:   strings.HasPrefix(strings.ToUpper(output), "PASS"),
		Feedback: output,
	}
}
