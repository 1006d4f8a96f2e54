package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskTransitions counts state-machine transitions by edge.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_task_transitions_total",
		Help: "Total number of task state transitions",
	}, []string{"from", "to"})

	// InvalidTransitions counts rejected transition attempts.
	InvalidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_invalid_transitions_total",
		Help: "Transition attempts rejected by the state machine",
	}, []string{"from", "to"})

	// VersionConflicts counts optimistic-lock failures on task writes.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_version_conflicts_total",
		Help: "Task updates rejected due to a stale version",
	})

	// StreamPublishes counts messages published per stream.
	StreamPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_stream_publishes_total",
		Help: "Messages published to Redis streams",
	}, []string{"stream"})

	// StreamAcks counts acknowledged messages per stream.
	StreamAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_stream_acks_total",
		Help: "Messages acknowledged on Redis streams",
	}, []string{"stream"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// ResultsProcessed counts result messages handled by the PM loop.
	ResultsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_results_processed_total",
		Help: "Result messages processed by the PM orchestrator",
	}, []string{"type", "outcome"}) // outcome: ok, duplicate, error

	// SchedulingPassDuration tracks the duration of one scheduling pass.
	SchedulingPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_scheduling_pass_duration_seconds",
		Help:    "Duration of one PM scheduling pass",
		Buckets: prometheus.DefBuckets,
	})

	// ReadyTasks tracks ready tasks observed by the last scheduling pass.
	ReadyTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_ready_tasks",
		Help: "Ready tasks seen by the last scheduling pass",
	}, []string{"project"})

	// IdleWorkers tracks idle workers observed by the last scheduling pass.
	IdleWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_idle_workers",
		Help: "Idle workers seen by the last scheduling pass",
	})

	// WorkerHeartbeats counts heartbeats accepted by the API.
	WorkerHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_worker_heartbeats_total",
		Help: "Worker heartbeats accepted",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// BoardClients tracks connected board WebSocket clients.
	BoardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_board_clients",
		Help: "Currently connected board stream clients",
	})

	// GitSideEffectFailures counts swallowed VCS failures in side effects.
	GitSideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_git_side_effect_failures_total",
		Help: "Git operations that failed inside state-machine side effects",
	}, []string{"op"}) // commit, revert
)
