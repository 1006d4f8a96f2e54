package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is loaded from BSNEXUS_-prefixed environment variables, with
// --server and --duration flags layered on top in main.
type Config struct {
	ServerURL         string
	RedisURL          string
	WorkerName        string
	ExecutorType      string
	WorkspaceDir      string
	HeartbeatInterval time.Duration
	Duration          time.Duration // zero means run forever
	RegistrationToken string
	PromptSigningKey  string
	Debug             bool
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerURL:         envOr("BSNEXUS_SERVER_URL", "http://localhost:8000"),
		RedisURL:          envOr("BSNEXUS_REDIS_URL", "redis://localhost:6379"),
		WorkerName:        os.Getenv("BSNEXUS_WORKER_NAME"),
		ExecutorType:      envOr("BSNEXUS_EXECUTOR_TYPE", "claude-code"),
		WorkspaceDir:      envOr("BSNEXUS_WORKSPACE_DIR", "/workspace"),
		HeartbeatInterval: 30 * time.Second,
		RegistrationToken: os.Getenv("BSNEXUS_REGISTRATION_TOKEN"),
		PromptSigningKey:  os.Getenv("BSNEXUS_PROMPT_SIGNING_KEY"),
		Debug:             os.Getenv("BSNEXUS_DEBUG") == "true",
	}

	if v := os.Getenv("BSNEXUS_HEARTBEAT_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BSNEXUS_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("BSNEXUS_DURATION"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BSNEXUS_DURATION: %w", err)
		}
		cfg.Duration = time.Duration(secs) * time.Second
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
