package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// Toggler arms a manual exit-IP rotation. *agent.Agent satisfies it.
type Toggler interface {
	RequestToggle()
}

// ServerConfig wires the ops endpoints.
type ServerConfig struct {
	Addr         string
	Health       *metrics.HealthChecker
	Toggler      Toggler // nil disables POST /toggle
	SnapshotPath string  // slot snapshot file; empty disables GET /status
}

// Server is the per-slot ops listener: Prometheus metrics, health
// probes, the slot's status snapshot and a manual toggle trigger. It
// is observability plumbing only; the hub never calls in here.
type Server struct {
	cfg    ServerConfig
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates an ops server bound to cfg.Addr.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if cfg.Health != nil {
		mux.HandleFunc("/healthz", cfg.Health.HealthHandler)
		mux.HandleFunc("/readyz", cfg.Health.ReadyHandler)
		mux.HandleFunc("/livez", cfg.Health.LivenessHandler)
	}
	if cfg.SnapshotPath != "" {
		mux.HandleFunc("/status", s.handleStatus)
	}
	if cfg.Toggler != nil {
		mux.HandleFunc("/toggle", s.handleToggle)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.withRequestLog(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Stop or a listener error. http.ErrServerClosed is
// swallowed so a graceful stop does not read as a failure.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Ops listener starting")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests, bounded by a short deadline.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Ops listener shutdown failed")
	}
}

// handleStatus serves the slot's latest snapshot file verbatim. The
// file is written atomically per cycle; absence just means no cycle
// has completed yet.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfg.SnapshotPath)
	if err != nil {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleToggle arms a MANUAL rotation for the next cycle boundary.
// Write endpoint, so POST only.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cfg.Toggler.RequestToggle()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "armed"})
}
