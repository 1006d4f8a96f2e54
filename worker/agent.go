package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Agent holds this worker's identity with the control plane: the minted
// id and bearer token from registration, plus the stream and group names
// the server told us to consume. Heartbeats keep the registration alive;
// a 404 on heartbeat means the server forgot us and we register again.
type Agent struct {
	cfg  *Config
	http *http.Client
	log  *logrus.Entry

	mu             sync.RWMutex
	workerID       string
	token          string
	streams        map[string]string
	consumerGroups map[string]string
}

type registerResponse struct {
	WorkerID          string            `json:"worker_id"`
	Token             string            `json:"token"`
	HeartbeatInterval int               `json:"heartbeat_interval"`
	Streams           map[string]string `json:"streams"`
	ConsumerGroups    map[string]string `json:"consumer_groups"`
}

func NewAgent(cfg *Config) *Agent {
	return &Agent{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  logrus.WithField("component", "agent"),
	}
}

// Register announces this worker to the control plane and stores the
// returned identity. Safe to call again after the server has expired us.
func (a *Agent) Register(ctx context.Context) error {
	name := a.cfg.WorkerName
	if name == "" {
		hostname, _ := os.Hostname()
		name = fmt.Sprintf("worker-%s-%s", runtime.GOOS, hostname)
	}

	body, err := json.Marshal(map[string]any{
		"name":          name,
		"platform":      runtime.GOOS,
		"capabilities":  detectCapabilities(),
		"executor_type": a.cfg.ExecutorType,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+"/api/workers/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.RegistrationToken != "" {
		req.Header.Set("X-Registration-Token", a.cfg.RegistrationToken)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register: server returned %d", resp.StatusCode)
	}

	var reg registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	a.mu.Lock()
	a.workerID = reg.WorkerID
	a.token = reg.Token
	a.streams = reg.Streams
	a.consumerGroups = reg.ConsumerGroups
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{"worker_id": reg.WorkerID, "name": name}).Info("registered")
	return nil
}

// HeartbeatLoop renews the registration until ctx is cancelled.
func (a *Agent) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	a.mu.RLock()
	workerID, token := a.workerID, a.token
	a.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.ServerURL+"/api/workers/"+workerID+"/heartbeat", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// The server expired our registration; come back under a new id.
	if resp.StatusCode == http.StatusNotFound {
		a.log.Warn("registration expired, re-registering")
		return a.Register(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: server returned %d", resp.StatusCode)
	}
	return nil
}

// Deregister removes this worker from the registry. Best-effort; the
// TTL reaps us anyway if the request never lands.
func (a *Agent) Deregister(ctx context.Context) {
	a.mu.RLock()
	workerID := a.workerID
	a.mu.RUnlock()
	if workerID == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		a.cfg.ServerURL+"/api/workers/"+workerID, nil)
	if err != nil {
		return
	}
	if resp, err := a.http.Do(req); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// WorkerID is the consumer name used on the streams, so the broker's
// pending-entries list is scoped per worker.
func (a *Agent) WorkerID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workerID
}

// Stream returns the server-assigned stream name for a logical key
// such as "tasks_queue".
func (a *Agent) Stream(key string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.streams[key]
}

// Group returns the server-assigned consumer group for a logical key
// such as "workers".
func (a *Agent) Group(key string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.consumerGroups[key]
}

func detectCapabilities() []string {
	var caps []string
	if _, err := os.Stat("/.dockerenv"); err == nil {
		caps = append(caps, "docker")
	}
	if _, err := os.Stat("/workspace/.devcontainer"); err == nil {
		caps = append(caps, "devcontainer")
	}
	return append(caps, "native")
}
