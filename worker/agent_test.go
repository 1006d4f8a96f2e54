package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControlPlane struct {
	srv            *httptest.Server
	registrations  int
	lastRegToken   string
	lastRegBody    map[string]any
	heartbeatCodes []int // consumed in order, then 200
	deregistered   []string
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	t.Helper()
	f := &fakeControlPlane{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/workers/register", func(w http.ResponseWriter, r *http.Request) {
		f.registrations++
		f.lastRegToken = r.Header.Get("X-Registration-Token")
		json.NewDecoder(r.Body).Decode(&f.lastRegBody)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"worker_id":          fmt.Sprintf("w-%d", f.registrations),
			"token":              fmt.Sprintf("tok-%d", f.registrations),
			"heartbeat_interval": 30,
			"streams": map[string]string{
				"tasks_queue": "tasks:queue", "tasks_qa": "tasks:qa", "tasks_results": "tasks:results",
			},
			"consumer_groups": map[string]string{"workers": "workers", "reviewers": "reviewers"},
		})
	})
	mux.HandleFunc("/api/workers/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			f.deregistered = append(f.deregistered, strings.TrimPrefix(r.URL.Path, "/api/workers/"))
			json.NewEncoder(w).Encode(map[string]string{"detail": "Worker deregistered"})
			return
		}
		code := http.StatusOK
		if len(f.heartbeatCodes) > 0 {
			code = f.heartbeatCodes[0]
			f.heartbeatCodes = f.heartbeatCodes[1:]
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": "idle", "pending_tasks": 0})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func TestRegisterStoresIdentity(t *testing.T) {
	cp := newFakeControlPlane(t)
	agent := NewAgent(&Config{
		ServerURL:         cp.srv.URL,
		WorkerName:        "builder",
		ExecutorType:      "claude-code",
		RegistrationToken: "fleet-secret",
	})

	require.NoError(t, agent.Register(context.Background()))

	assert.Equal(t, "w-1", agent.WorkerID())
	assert.Equal(t, "tasks:queue", agent.Stream("tasks_queue"))
	assert.Equal(t, "reviewers", agent.Group("reviewers"))
	assert.Equal(t, "fleet-secret", cp.lastRegToken)
	assert.Equal(t, "builder", cp.lastRegBody["name"])
	assert.Equal(t, "claude-code", cp.lastRegBody["executor_type"])
}

func TestHeartbeatReRegistersOn404(t *testing.T) {
	cp := newFakeControlPlane(t)
	agent := NewAgent(&Config{ServerURL: cp.srv.URL})
	require.NoError(t, agent.Register(context.Background()))
	require.Equal(t, "w-1", agent.WorkerID())

	cp.heartbeatCodes = []int{http.StatusNotFound}
	require.NoError(t, agent.heartbeat(context.Background()))

	// The expired identity was replaced transparently.
	assert.Equal(t, "w-2", agent.WorkerID())
	assert.Equal(t, 2, cp.registrations)
}

func TestHeartbeatKeepsIdentityWhileAlive(t *testing.T) {
	cp := newFakeControlPlane(t)
	agent := NewAgent(&Config{ServerURL: cp.srv.URL})
	require.NoError(t, agent.Register(context.Background()))

	require.NoError(t, agent.heartbeat(context.Background()))
	assert.Equal(t, "w-1", agent.WorkerID())
	assert.Equal(t, 1, cp.registrations)
}

func TestDeregisterIsBestEffort(t *testing.T) {
	cp := newFakeControlPlane(t)
	agent := NewAgent(&Config{ServerURL: cp.srv.URL})
	require.NoError(t, agent.Register(context.Background()))

	agent.Deregister(context.Background())
	assert.Equal(t, []string{"w-1"}, cp.deregistered)

	// Never registered: nothing to do, no panic.
	NewAgent(&Config{ServerURL: cp.srv.URL}).Deregister(context.Background())
}
