package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/blas1n/BSNexus/control_plane/gitops"
	"github.com/blas1n/BSNexus/control_plane/statemachine"
	"github.com/blas1n/BSNexus/control_plane/store"
)

type taskCreateRequest struct {
	ProjectID    string   `json:"project_id"`
	PhaseID      string   `json:"phase_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	WorkerPrompt string   `json:"worker_prompt"`
	QAPrompt     string   `json:"qa_prompt"`
	DependsOn    []string `json:"depends_on"`
}

type taskResponse struct {
	*store.Task
	History []*store.TaskHistory `json:"history,omitempty"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req taskCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" || req.PhaseID == "" || req.Title == "" {
		a.writeError(w, http.StatusBadRequest, "project_id, phase_id and title are required")
		return
	}

	priority := store.TaskPriority(req.Priority)
	if req.Priority == "" {
		priority = store.PriorityMedium
	}
	if store.PriorityRank(priority) == 99 {
		a.writeError(w, http.StatusBadRequest, "unknown priority: "+req.Priority)
		return
	}

	ctx := r.Context()
	var task *store.Task
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		if len(req.DependsOn) > 0 {
			missing, err := tx.MissingDependencies(ctx, req.DependsOn)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return &apiError{http.StatusBadRequest,
					"Dependency tasks not found: " + strings.Join(missing, ", ")}
			}
			// The task id does not exist yet, so a placeholder probes the
			// existing graph for a path back to it.
			cyclic, err := tx.HasCircularDependency(ctx, uuid.NewString(), req.DependsOn)
			if err != nil {
				return err
			}
			if cyclic {
				return &apiError{http.StatusBadRequest, "Circular dependency detected"}
			}
		}

		task = &store.Task{
			ProjectID:    req.ProjectID,
			PhaseID:      req.PhaseID,
			Title:        req.Title,
			Description:  req.Description,
			Status:       statemachine.InitialStatus(req.DependsOn),
			Priority:     priority,
			WorkerPrompt: promptJSON(req.WorkerPrompt),
			QAPrompt:     promptJSON(req.QAPrompt),
			DependsOn:    req.DependsOn,
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}

		// Birth row: the history trail starts at creation, not at the
		// first transition.
		return tx.AppendHistory(ctx, &store.TaskHistory{
			TaskID:     task.ID,
			FromStatus: "",
			ToStatus:   string(task.Status),
			Actor:      "user",
			Reason:     "Task created",
		})
	})
	if err != nil {
		a.writeTxError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, taskResponse{Task: task})
}

// handleTaskByID routes /api/tasks/{id} and /api/tasks/{id}/transition.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet:
		a.handleGetTask(w, r, parts[0])
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodPatch:
		a.handleUpdateTask(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "transition" && r.Method == http.MethodPost:
		a.handleTransitionTask(w, r, parts[0])
	default:
		a.writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	task, err := a.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := taskResponse{Task: task}
	if r.URL.Query().Get("include_history") == "true" {
		resp.History, err = a.store.GetTaskHistory(ctx, taskID)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type taskUpdateRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Priority        *string `json:"priority"`
	WorkerPrompt    *string `json:"worker_prompt"`
	QAPrompt        *string `json:"qa_prompt"`
	ExpectedVersion int     `json:"expected_version"`
}

// handleUpdateTask edits task fields. Edits are allowed only before the
// task enters the pipeline, while it is still waiting or ready.
func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req taskUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Priority != nil && store.PriorityRank(store.TaskPriority(*req.Priority)) == 99 {
		a.writeError(w, http.StatusBadRequest, "unknown priority: "+*req.Priority)
		return
	}

	ctx := r.Context()
	var task *store.Task
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return &apiError{http.StatusNotFound, "Task not found"}
		}
		if err != nil {
			return err
		}
		if task.Status != store.StatusWaiting && task.Status != store.StatusReady {
			return &apiError{http.StatusBadRequest,
				"Task can only be updated in waiting or ready status"}
		}

		if req.Title != nil {
			task.Title = *req.Title
		}
		if req.Description != nil {
			task.Description = *req.Description
		}
		if req.Priority != nil {
			task.Priority = store.TaskPriority(*req.Priority)
		}
		if req.WorkerPrompt != nil {
			task.WorkerPrompt = promptJSON(*req.WorkerPrompt)
		}
		if req.QAPrompt != nil {
			task.QAPrompt = promptJSON(*req.QAPrompt)
		}

		expected := task.Version
		if req.ExpectedVersion > 0 {
			expected = req.ExpectedVersion
		}
		return tx.UpdateTask(ctx, task, expected)
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			a.writeError(w, http.StatusConflict, "Task was modified concurrently, re-read and retry")
			return
		}
		a.writeTxError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

type transitionRequest struct {
	NewStatus       string `json:"new_status"`
	Reason          string `json:"reason"`
	Actor           string `json:"actor"`
	ExpectedVersion int    `json:"expected_version"`
}

func (a *API) handleTransitionTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Actor == "" {
		req.Actor = "user"
	}

	ctx := r.Context()
	task, err := a.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	project, err := a.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	machine := statemachine.New(gitops.NewCLI(project.RepoPath), a.signer)

	previous := task.Status
	expected := task.Version
	if req.ExpectedVersion > 0 {
		expected = req.ExpectedVersion
	}

	err = a.store.WithTx(ctx, func(tx store.Store) error {
		return machine.Transition(ctx, tx, a.broker, statemachine.Request{
			Task:            task,
			To:              store.TaskStatus(req.NewStatus),
			Reason:          req.Reason,
			Actor:           req.Actor,
			ExpectedVersion: expected,
		})
	})
	if err != nil {
		switch {
		case statemachine.IsInvalidTransition(err):
			a.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrVersionConflict):
			a.writeError(w, http.StatusConflict, "Task was modified concurrently, re-read and retry")
		case errors.Is(err, statemachine.ErrReviewerIsExecutor):
			a.writeError(w, http.StatusBadRequest, err.Error())
		default:
			a.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"task_id":         task.ID,
		"status":          task.Status,
		"previous_status": previous,
		"transition": map[string]string{
			"from":   string(previous),
			"to":     string(task.Status),
			"reason": req.Reason,
			"actor":  req.Actor,
		},
	})
}

// handleListProjectTasks serves /api/tasks/by-project/{projectID}.
func (a *API) handleListProjectTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projectID := strings.TrimPrefix(r.URL.Path, "/api/tasks/by-project/")
	if projectID == "" || strings.Contains(projectID, "/") {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:   store.TaskStatus(q.Get("status")),
		PhaseID:  q.Get("phase_id"),
		Priority: store.TaskPriority(q.Get("priority")),
	}
	filter.Limit = queryInt(q.Get("limit"), 50)
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	filter.Offset = queryInt(q.Get("offset"), 0)

	tasks, err := a.store.ListProjectTasks(r.Context(), projectID, filter)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	a.writeJSON(w, http.StatusOK, tasks)
}

// apiError carries an HTTP status through a transaction closure.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func (a *API) writeTxError(w http.ResponseWriter, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		a.writeError(w, ae.status, ae.detail)
		return
	}
	a.writeError(w, http.StatusInternalServerError, err.Error())
}

func promptJSON(prompt string) json.RawMessage {
	if prompt == "" {
		return nil
	}
	data, _ := json.Marshal(map[string]string{"prompt": prompt})
	return data
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
