package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/store"
)

// handlePM routes /api/pm/{projectID}/{action}.
func (a *API) handlePM(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pm/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID, action := parts[0], parts[1]

	switch {
	case action == "start" && r.Method == http.MethodPost:
		a.handlePMStart(w, r, projectID)
	case action == "pause" && r.Method == http.MethodPost:
		a.handlePMPause(w, r, projectID)
	case action == "status" && r.Method == http.MethodGet:
		a.handlePMStatus(w, r, projectID)
	case action == "promote-waiting" && r.Method == http.MethodPost:
		a.handlePMPromoteWaiting(w, r, projectID)
	case action == "queue-next" && r.Method == http.MethodPost:
		a.handlePMQueueNext(w, r, projectID)
	default:
		a.writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handlePMStart(w http.ResponseWriter, r *http.Request, projectID string) {
	err := a.supervisor.Start(r.Context(), projectID)
	switch {
	case errors.Is(err, ErrOrchestratorRunning):
		a.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "Project not found")
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		a.writeJSON(w, http.StatusOK, map[string]string{
			"detail":     "Orchestration started",
			"project_id": projectID,
		})
	}
}

func (a *API) handlePMPause(w http.ResponseWriter, r *http.Request, projectID string) {
	if err := a.supervisor.Stop(projectID); err != nil {
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"detail":     "Orchestration paused",
		"project_id": projectID,
	})
}

func (a *API) handlePMStatus(w http.ResponseWriter, r *http.Request, projectID string) {
	ctx := r.Context()

	workers, err := a.registry.List(ctx)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	idle, busy := 0, 0
	for _, worker := range workers {
		switch worker.Status {
		case registry.StatusIdle:
			idle++
		case registry.StatusBusy:
			busy++
		}
	}

	counts, err := a.store.CountByStatus(ctx, projectID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"running":    a.supervisor.Running(projectID),
		"workers": map[string]int{
			"idle":  idle,
			"busy":  busy,
			"total": len(workers),
		},
		"tasks": counts,
	})
}

func (a *API) handlePMPromoteWaiting(w http.ResponseWriter, r *http.Request, projectID string) {
	if err := a.supervisor.PromoteWaiting(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Project not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"detail": "Waiting tasks promoted"})
}

func (a *API) handlePMQueueNext(w http.ResponseWriter, r *http.Request, projectID string) {
	task, err := a.supervisor.QueueNext(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Project not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		a.writeError(w, http.StatusNotFound, "No ready tasks to queue")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"detail":   "Task queued",
		"task_id":  task.ID,
		"title":    task.Title,
		"priority": task.Priority,
	})
}
