package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors surfaced by Store implementations.
var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means the row changed since the caller read it.
	ErrVersionConflict = errors.New("version conflict")
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusWaiting    TaskStatus = "waiting"
	StatusReady      TaskStatus = "ready"
	StatusQueued     TaskStatus = "queued"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusRejected   TaskStatus = "rejected"
	StatusBlocked    TaskStatus = "blocked"
)

// TaskPriority orders scheduling. Critical drains first.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// PriorityRank maps priorities to sort keys, lowest first.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 99
	}
}

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	ProjectDesign    ProjectStatus = "design"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

// PhaseStatus is the phase lifecycle state.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

// Task is the unit of schedulable work.
type Task struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	PhaseID      string          `json:"phase_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Status       TaskStatus      `json:"status"`
	Priority     TaskPriority    `json:"priority"`
	WorkerPrompt json.RawMessage `json:"worker_prompt,omitempty"`
	QAPrompt     json.RawMessage `json:"qa_prompt,omitempty"`
	BranchName   string          `json:"branch_name,omitempty"`
	CommitHash   string          `json:"commit_hash,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	ReviewerID   string          `json:"reviewer_id,omitempty"`
	QAResult     json.RawMessage `json:"qa_result,omitempty"`
	OutputPath   string          `json:"output_path,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Version      int             `json:"version"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// TaskHistory is one row of the append-only transition log.
type TaskHistory struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	FromStatus string          `json:"from_status"`
	ToStatus   string          `json:"to_status"`
	Actor      string          `json:"actor"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Project groups phases and tasks around one repository.
type Project struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	DesignDocPath string          `json:"design_doc_path,omitempty"`
	RepoPath      string          `json:"repo_path"`
	Status        ProjectStatus   `json:"status"`
	LLMConfig     json.RawMessage `json:"llm_config,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Phase is an ordered slice of a project with its own branch.
type Phase struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	BranchName  string      `json:"branch_name"`
	Order       int         `json:"order"`
	Status      PhaseStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskFilter narrows ListProjectTasks. Zero values mean no filter.
type TaskFilter struct {
	Status   TaskStatus
	PhaseID  string
	Priority TaskPriority
	Limit    int
	Offset   int
}
