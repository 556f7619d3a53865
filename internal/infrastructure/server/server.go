// Package server exposes the narrow read-only operational surface the
// daemon-mode workers serve: /health, /status, and the Prometheus /metrics
// endpoint. The position monitor hosts the full surface (it owns the price
// stream whose connectivity /health reports); the async worker serves
// /metrics only. Cron-mode workers (router, heartbeat, watchdog) run one
// cycle and exit, so they have no port to serve — their liveness signal is
// the lease file, not HTTP. The console API proper lives outside the core;
// this mux carries only what operators and the watchdog's probes need.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sanad/internal/core"
)

type HealthServer struct {
	port   string
	logger core.ILogger
	srv    *http.Server
	mu     sync.RWMutex
	status map[string]string
	hm     core.IHealthMonitor
}

func NewHealthServer(port string, logger core.ILogger, hm core.IHealthMonitor) *HealthServer {
	return &HealthServer{
		port:   port,
		logger: logger.WithField("component", "health_server"),
		status: make(map[string]string),
		hm:     hm,
	}
}

func (s *HealthServer) Start() {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         ":" + s.port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Starting health server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", "error", err)
		}
	}()
}

func (s *HealthServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// UpdateStatus records an ad-hoc status key served on /status.
func (s *HealthServer) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(health)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(health)
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	merged := make(map[string]string, len(s.status))
	for k, v := range s.status {
		merged[k] = v
	}
	s.mu.RUnlock()

	if s.hm != nil {
		for k, v := range s.hm.GetStatus() {
			merged[k] = v
		}
	}

	data, _ := json.Marshal(merged)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
