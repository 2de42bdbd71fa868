// Package admin serves the read-only HTTP surface spec.md §6 names:
// /health, /ping, /metrics, /v1/leases, /config. It follows the
// teacher's plugins/exporter/prometheus shape (net/http.Server behind a
// ServeMux, promhttp for /metrics, Start/Stop implementing
// component.Component) generalized from a single-purpose exporter into a
// small multi-endpoint operator surface.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/logger"
	"github.com/dorad-project/dorad/pkg/version"
)

// Server is the admin/metrics HTTP surface, registered with a
// component.Orchestrator by cmd/dorad.
type Server struct {
	addr   string
	cfg    any
	coord  *coordination.Coordinator
	store  lease.Store
	server *http.Server
	log    *slog.Logger
}

// New constructs a Server; no socket is opened until Start.
func New(addr string, cfg any, coord *coordination.Coordinator, store lease.Store) *Server {
	return &Server{
		addr:  addr,
		cfg:   cfg,
		coord: coord,
		store: store,
		log:   logger.Component(logger.ComponentAdmin),
	}
}

// Name implements component.Component.
func (s *Server) Name() string { return "admin" }

// Start begins serving on addr; ListenAndServe runs in its own
// goroutine so Start returns immediately, per the teacher's
// startServer/c.Go(...) pattern.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ping", s.handlePing)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/leases", s.handleLeases)
	mux.HandleFunc("/config", s.handleConfig)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.log.Info("admin HTTP server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// handleHealth reports liveness ("status"), the build version, and the
// coordinator's connectivity state ("connected" or "degraded").
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "connected"
	if s.coord != nil && s.coord.State() != coordination.StateConnected {
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     version.Full(),
		"coordinator": state,
	})
}

// handlePing is a bare liveness probe, distinct from /health's richer
// body, matching spec.md §6 listing both endpoints separately.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleLeases lists every Active lease across all subnets, for
// operator inspection, per spec.md §6's read-only lease listing.
func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "lease store unavailable"})
		return
	}
	records, err := s.store.AllActive(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleConfig echoes the effective, normalized configuration for
// operator diagnosis, per spec.md §6.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
