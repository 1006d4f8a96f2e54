package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/middleware"
	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/registry"
	"github.com/blas1n/BSNexus/control_plane/streams"
	"github.com/blas1n/BSNexus/control_plane/store"
)

// API is the HTTP surface of the control plane.
type API struct {
	cfg        *Config
	store      store.Store
	broker     streams.Broker
	registry   registry.Registry
	signer     *promptsig.Signer
	supervisor *Supervisor
	hub        *BoardHub
	log        *logrus.Entry
}

func NewAPI(cfg *Config, st store.Store, broker streams.Broker, reg registry.Registry, signer *promptsig.Signer, sup *Supervisor, hub *BoardHub) *API {
	return &API{
		cfg:        cfg,
		store:      st,
		broker:     broker,
		registry:   reg,
		signer:     signer,
		supervisor: sup,
		hub:        hub,
		log:        logrus.WithField("component", "api"),
	}
}

// Routes builds the full handler tree.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/workers/register",
		middleware.RateLimit("worker_register", 5, 20, http.HandlerFunc(a.handleRegisterWorker)))
	mux.HandleFunc("/api/workers", a.handleListWorkers)
	mux.HandleFunc("/api/workers/", a.handleWorkerByID)

	mux.HandleFunc("/api/tasks", a.handleCreateTask)
	mux.HandleFunc("/api/tasks/by-project/", a.handleListProjectTasks)
	mux.HandleFunc("/api/tasks/", a.handleTaskByID)

	mux.HandleFunc("/api/pm/", a.handlePM)

	mux.HandleFunc("/api/projects", a.handleProjects)
	mux.HandleFunc("/api/projects/", a.handleProjectByID)

	mux.HandleFunc("/api/board/ws", a.hub.handleWS)

	return middleware.CORS(mux)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Error("response encode failed")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, detail string) {
	a.writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
