package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/store"
	"github.com/blas1n/BSNexus/control_plane/streams"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "main")

	cfg, err := LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("postgres connect failed")
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		log.WithError(err).Fatal("schema init failed")
	}
	log.WithField("database", cfg.DatabaseURL).Info("connected to postgres")

	// One Redis client shared by the broker and the registry.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.WithError(err).Fatal("redis connect failed")
	}
	pingCancel()
	log.WithField("redis", cfg.RedisAddr).Info("connected to redis")

	broker := streams.NewRedisBrokerFromClient(rdb)
	if err := broker.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("stream init failed")
	}
	reg := registry.NewRedisRegistryFromClient(rdb)

	signer := promptsig.NewSigner(cfg.PromptSigningKey, promptsig.DefaultMaxAge)
	supervisor := NewSupervisor(st, broker, reg, signer, cfg.SchedulerInterval)

	hub := NewBoardHub(broker)
	go hub.Run(ctx)

	NewJanitor(broker, time.Minute).Start(ctx)

	api := NewAPI(cfg, st, broker, reg, signer, supervisor, hub)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")

		supervisor.StopAll()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown failed")
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("control plane listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}
