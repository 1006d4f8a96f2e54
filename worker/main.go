package main

import (
	"context"
	"flag"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/streams"
)

func main() {
	serverFlag := flag.String("server", "", "control plane base URL (overrides BSNEXUS_SERVER_URL)")
	durationFlag := flag.Duration("duration", 0, "run for this long then exit (overrides BSNEXUS_DURATION)")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "main")

	cfg, err := LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}
	if *durationFlag > 0 {
		cfg.Duration = *durationFlag
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	agent := NewAgent(cfg)
	if err := agent.Register(ctx); err != nil {
		log.WithError(err).Fatal("registration failed")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.WithError(err).Fatal("redis connect failed")
	}
	pingCancel()

	executor, err := NewExecutor(cfg.ExecutorType, cfg.WorkspaceDir)
	if err != nil {
		log.WithError(err).Fatal("executor setup failed")
	}

	var signer *promptsig.Signer
	if cfg.PromptSigningKey != "" {
		signer = promptsig.NewSigner(cfg.PromptSigningKey, promptsig.DefaultMaxAge)
	} else {
		log.Warn("no prompt signing key configured, signed prompts will be rejected")
	}

	broker := streams.NewRedisBrokerFromClient(rdb)
	consumer := NewConsumer(broker, agent, executor, signer)

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		agent.HeartbeatLoop,
		consumer.TaskLoop,
		consumer.QALoop,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	log.WithField("worker_id", agent.WorkerID()).Info("worker running")
	<-ctx.Done()
	log.Info("shutting down")

	// ctx is already cancelled; deregister on a fresh context.
	deregCtx, deregCancel := context.WithTimeout(context.Background(), 5*time.Second)
	agent.Deregister(deregCtx)
	deregCancel()

	wg.Wait()
}
