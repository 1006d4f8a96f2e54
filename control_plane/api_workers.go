package main

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/blas1n/BSNexus/control_plane/middleware"
	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/streams"
)

type workerRegisterRequest struct {
	Name         string   `json:"name"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
	ExecutorType string   `json:"executor_type"`
}

type workerRegisterResponse struct {
	WorkerID          string            `json:"worker_id"`
	Token             string            `json:"token"`
	HeartbeatInterval int               `json:"heartbeat_interval"`
	Streams           map[string]string `json:"streams"`
	ConsumerGroups    map[string]string `json:"consumer_groups"`
}

// handleRegisterWorker mints a worker id and token. When a
// registration token is configured, callers must present it in
// X-Registration-Token.
func (a *API) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.cfg.RegistrationToken != "" && r.Header.Get("X-Registration-Token") != a.cfg.RegistrationToken {
		a.writeError(w, http.StatusUnauthorized, "Invalid registration token")
		return
	}

	var req workerRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Platform == "" {
		req.Platform = "unknown"
	}
	if req.ExecutorType == "" {
		req.ExecutorType = "claude-code"
	}

	workerID := uuid.NewString()
	name := req.Name
	if name == "" {
		name = "worker-" + workerID[:8]
	}

	worker, err := a.registry.Register(r.Context(), workerID, name, req.Platform, req.Capabilities, req.ExecutorType)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.writeJSON(w, http.StatusCreated, workerRegisterResponse{
		WorkerID:          worker.ID,
		Token:             worker.Token,
		HeartbeatInterval: 30,
		Streams: map[string]string{
			"tasks_queue":   streams.TasksQueue,
			"tasks_results": streams.TasksResults,
			"tasks_qa":      streams.TasksQA,
		},
		ConsumerGroups: map[string]string{
			"workers":   streams.GroupWorkers,
			"reviewers": streams.GroupReviewers,
		},
	})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	workers, err := a.registry.List(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if workers == nil {
		workers = []*registry.Worker{}
	}
	a.writeJSON(w, http.StatusOK, workers)
}

// handleWorkerByID routes /api/workers/{id} and
// /api/workers/{id}/heartbeat.
func (a *API) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/workers/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		middleware.WorkerAuth(a.registry, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.handleHeartbeat(w, r, parts[0])
		})).ServeHTTP(w, r)
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodDelete:
		a.handleDeregisterWorker(w, r, parts[0])
	default:
		a.writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, workerID string) {
	if middleware.WorkerIDFromContext(r.Context()) != workerID {
		a.writeError(w, http.StatusForbidden, "Token does not match worker")
		return
	}

	alive, err := a.registry.Heartbeat(r.Context(), workerID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !alive {
		a.writeError(w, http.StatusNotFound, "Worker not found or expired")
		return
	}

	status := "idle"
	if worker, err := a.registry.Get(r.Context(), workerID); err == nil && worker != nil {
		status = worker.Status
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"pending_tasks": 0,
	})
}

func (a *API) handleDeregisterWorker(w http.ResponseWriter, r *http.Request, workerID string) {
	if err := a.registry.Deregister(r.Context(), workerID); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"detail":    "Worker deregistered",
		"worker_id": workerID,
	})
}
