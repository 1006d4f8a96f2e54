package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blas1n/BSNexus/control_plane/observability"
)

const (
	workerKeyPrefix = "worker:"
	tokenKeyPrefix  = "worker:token:"
)

// RedisRegistry stores worker records as Redis hashes with a TTL.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(addr, password string, db int) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis registry: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func workerKey(id string) string { return workerKeyPrefix + id }
func tokenKey(tok string) string { return tokenKeyPrefix + tok }

func (r *RedisRegistry) Register(ctx context.Context, id, name, platform string, capabilities []string, executorType string) (*Worker, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	fields := map[string]any{
		"id":              id,
		"name":            name,
		"platform":        platform,
		"capabilities":    string(caps),
		"executor_type":   executorType,
		"status":          StatusIdle,
		"current_task_id": "",
		"token":           token,
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, workerKey(id), fields)
	pipe.Expire(ctx, workerKey(id), WorkerTTL)
	pipe.Set(ctx, tokenKey(token), id, TokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", id, err)
	}

	return &Worker{
		ID:           id,
		Name:         name,
		Platform:     platform,
		Capabilities: capabilities,
		ExecutorType: executorType,
		Status:       StatusIdle,
		Token:        token,
	}, nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	ok, err := r.client.Expire(ctx, workerKey(id), WorkerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("heartbeat worker %s: %w", id, err)
	}
	if ok {
		observability.WorkerHeartbeats.Inc()
	}
	return ok, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Worker, error) {
	fields, err := r.client.HGetAll(ctx, workerKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil // Expired or never registered
	}
	return workerFromFields(fields), nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Worker, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	var workers []*Worker
	iter := r.client.Scan(ctx, 0, workerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, tokenKeyPrefix) {
			continue
		}
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		if len(fields) == 0 {
			continue // Expired between SCAN and HGETALL
		}
		workers = append(workers, workerFromFields(fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

func (r *RedisRegistry) SetBusy(ctx context.Context, id, taskID string) error {
	err := r.client.HSet(ctx, workerKey(id), "status", StatusBusy, "current_task_id", taskID).Err()
	if err != nil {
		return fmt.Errorf("set worker %s busy: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) SetIdle(ctx context.Context, id string) error {
	err := r.client.HSet(ctx, workerKey(id), "status", StatusIdle, "current_task_id", "").Err()
	if err != nil {
		return fmt.Errorf("set worker %s idle: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, id string) error {
	token, err := r.client.HGet(ctx, workerKey(id), "token").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("deregister worker %s: %w", id, err)
	}

	keys := []string{workerKey(id)}
	if token != "" {
		keys = append(keys, tokenKey(token))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deregister worker %s: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) ResolveToken(ctx context.Context, token string) (string, error) {
	id, err := r.client.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	return id, nil
}

func workerFromFields(fields map[string]string) *Worker {
	w := &Worker{
		ID:            fields["id"],
		Name:          fields["name"],
		Platform:      fields["platform"],
		ExecutorType:  fields["executor_type"],
		Status:        fields["status"],
		CurrentTaskID: fields["current_task_id"],
	}
	if raw := fields["capabilities"]; raw != "" {
		// Malformed capabilities degrade to an empty list rather than
		// failing the whole read.
		_ = json.Unmarshal([]byte(raw), &w.Capabilities)
	}
	return w
}
