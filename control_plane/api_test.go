package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/streams"
	"github.com/blas1n/BSNexus/control_plane/store"
)

type apiFixture struct {
	api    *API
	server *httptest.Server
	store  *store.MemoryStore
	broker *streams.MemoryBroker
	reg    *registry.MemoryRegistry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &Config{
		RegistrationToken: "fleet-secret",
		SchedulerInterval: 50 * time.Millisecond,
	}
	st := store.NewMemoryStore()
	broker := streams.NewMemoryBroker()
	reg := registry.NewMemoryRegistry()
	signer := promptsig.NewSigner("test-key", promptsig.DefaultMaxAge)
	sup := NewSupervisor(st, broker, reg, signer, cfg.SchedulerInterval)
	hub := NewBoardHub(broker)

	api := NewAPI(cfg, st, broker, reg, signer, sup, hub)
	server := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		sup.StopAll()
		server.Close()
	})

	return &apiFixture{api: api, server: server, store: st, broker: broker, reg: reg}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) seedProjectPhase(t *testing.T) (string, string) {
	t.Helper()

	resp, project := f.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name":      "api-service",
		"repo_path": "/tmp/repo",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	projectID := project["id"].(string)

	resp, phase := f.do(t, http.MethodPost, "/api/projects/"+projectID+"/phases", map[string]any{
		"name":  "Phase One",
		"order": 1,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "phase/phase-one", phase["branch_name"])
	return projectID, phase["id"].(string)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkerRegisterRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/workers/register", map[string]any{
		"name": "w", "platform": "linux",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/workers/register", map[string]any{
		"name": "w", "platform": "linux",
	}, map[string]string{"X-Registration-Token": "fleet-secret"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["worker_id"])
	assert.NotEmpty(t, body["token"])
	assert.EqualValues(t, 30, body["heartbeat_interval"])
}

func TestWorkerHeartbeatAuth(t *testing.T) {
	f := newAPIFixture(t)

	_, reg := f.do(t, http.MethodPost, "/api/workers/register", map[string]any{
		"name": "w", "platform": "linux",
	}, map[string]string{"X-Registration-Token": "fleet-secret"})
	workerID := reg["worker_id"].(string)
	token := reg["token"].(string)

	// No token.
	resp, _ := f.do(t, http.MethodPost, "/api/workers/"+workerID+"/heartbeat", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token.
	resp, body := f.do(t, http.MethodPost, "/api/workers/"+workerID+"/heartbeat", nil,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["status"])

	// Someone else's token.
	_, reg2 := f.do(t, http.MethodPost, "/api/workers/register", map[string]any{
		"name": "w2", "platform": "linux",
	}, map[string]string{"X-Registration-Token": "fleet-secret"})
	resp, _ = f.do(t, http.MethodPost, "/api/workers/"+workerID+"/heartbeat", nil,
		map[string]string{"Authorization": "Bearer " + reg2["token"].(string)})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newAPIFixture(t)
	projectID, phaseID := f.seedProjectPhase(t)

	// Missing dependency.
	resp, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": projectID,
		"phase_id":   phaseID,
		"title":      "t",
		"depends_on": []string{"ghost"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "not found")

	// Valid, no deps: born ready with a creation history row.
	resp, task := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": projectID,
		"phase_id":   phaseID,
		"title":      "first",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ready", task["status"])

	// With deps: born waiting.
	resp, waiting := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": projectID,
		"phase_id":   phaseID,
		"title":      "second",
		"depends_on": []string{task["id"].(string)},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "waiting", waiting["status"])

	resp, withHistory := f.do(t, http.MethodGet, "/api/tasks/"+task["id"].(string)+"?include_history=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := withHistory["history"].([]any)
	require.Len(t, history, 1)
	birth := history[0].(map[string]any)
	assert.Equal(t, "", birth["from_status"])
	assert.Equal(t, "ready", birth["to_status"])
}

func TestUpdateTaskOnlyBeforePipeline(t *testing.T) {
	f := newAPIFixture(t)
	projectID, phaseID := f.seedProjectPhase(t)

	_, task := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": projectID, "phase_id": phaseID, "title": "draft",
	}, nil)
	taskID := task["id"].(string)

	resp, updated := f.do(t, http.MethodPatch, "/api/tasks/"+taskID, map[string]any{
		"title": "final", "priority": "high",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "final", updated["title"])
	assert.Equal(t, "high", updated["priority"])

	// Stale version loses.
	resp, _ = f.do(t, http.MethodPatch, "/api/tasks/"+taskID, map[string]any{
		"title": "stale write", "expected_version": 1,
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Once queued the task is no longer editable.
	resp, _ = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/transition", map[string]any{
		"new_status": "queued",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := f.do(t, http.MethodPatch, "/api/tasks/"+taskID, map[string]any{
		"title": "too late",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "waiting or ready")
}

func TestTransitionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	projectID, phaseID := f.seedProjectPhase(t)

	_, task := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": projectID, "phase_id": phaseID, "title": "t",
	}, nil)
	taskID := task["id"].(string)

	resp, body := f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/transition", map[string]any{
		"new_status": "queued", "reason": "manual", "actor": "user",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "ready", body["previous_status"])
	assert.Len(t, f.broker.Entries(streams.TasksQueue), 1)

	// Illegal edge.
	resp, _ = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/transition", map[string]any{
		"new_status": "done",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Stale version.
	resp, _ = f.do(t, http.MethodPost, "/api/tasks/"+taskID+"/transition", map[string]any{
		"new_status": "in_progress", "expected_version": 1,
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPMLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	projectID, phaseID := f.seedProjectPhase(t)

	_, task := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": projectID, "phase_id": phaseID, "title": "t",
	}, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/pm/"+projectID+"/start", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/pm/"+projectID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, status := f.do(t, http.MethodGet, "/api/pm/"+projectID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, status["running"])

	resp, _ = f.do(t, http.MethodPost, "/api/pm/"+projectID+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/pm/"+projectID+"/pause", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Manual queue-next works without a running orchestrator.
	resp, queued := f.do(t, http.MethodPost, "/api/pm/"+projectID+"/queue-next", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task["id"], queued["task_id"])

	resp, _ = f.do(t, http.MethodPost, "/api/pm/"+projectID+"/queue-next", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPMStartUnknownProject(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/pm/ghost/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListProjectTasks(t *testing.T) {
	f := newAPIFixture(t)
	projectID, phaseID := f.seedProjectPhase(t)

	for _, title := range []string{"a", "b"} {
		f.do(t, http.MethodPost, "/api/tasks", map[string]any{
			"project_id": projectID, "phase_id": phaseID, "title": title,
		}, nil)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/tasks/by-project/"+projectID+"?status=ready", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var tasks []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	assert.Len(t, tasks, 2)
}
