// Package registry tracks worker presence. Workers are ephemeral: a
// record lives in Redis under a short TTL that heartbeats renew, and an
// auth token key maps bearer tokens back to worker ids. Expiry is a
// first-class outcome: a failed heartbeat tells the agent to
// re-register.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	// WorkerTTL is how long a worker record survives without a heartbeat.
	WorkerTTL = 60 * time.Second

	// TokenTTL is the lifetime of the token reverse-index key.
	TokenTTL = 24 * time.Hour
)

// Worker statuses.
const (
	StatusIdle    = "idle"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Worker is the ephemeral registry record.
type Worker struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Platform      string   `json:"platform"`
	Capabilities  []string `json:"capabilities"`
	ExecutorType  string   `json:"executor_type"`
	Status        string   `json:"status"`
	CurrentTaskID string   `json:"current_task_id,omitempty"`

	// Token is only populated on the register response; it is never
	// included in listings.
	Token string `json:"-"`
}

// Registry is the presence + token-auth store.
type Registry interface {
	// Register stores a fresh record with status idle and mints a
	// 256-bit hex auth token.
	Register(ctx context.Context, id, name, platform string, capabilities []string, executorType string) (*Worker, error)

	// Heartbeat renews the record TTL. Returns false when the record has
	// expired or never existed.
	Heartbeat(ctx context.Context, id string) (bool, error)

	// Get returns the record, or nil when expired/absent.
	Get(ctx context.Context, id string) (*Worker, error)

	// List returns all non-expired workers.
	List(ctx context.Context) ([]*Worker, error)

	// SetBusy marks the worker busy on taskID.
	SetBusy(ctx context.Context, id, taskID string) error

	// SetIdle marks the worker idle and clears its current task.
	SetIdle(ctx context.Context, id string) error

	// Deregister removes the record and its token key.
	Deregister(ctx context.Context, id string) error

	// ResolveToken maps an auth token to a worker id, or "" if unknown.
	ResolveToken(ctx context.Context, token string) (string, error)
}

// newToken mints a cryptographically random 256-bit hex token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
