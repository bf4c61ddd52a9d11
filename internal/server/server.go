// Package server exposes the local status HTTP API.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ordermail/internal/catalog"
	"ordermail/internal/pipeline"
	"ordermail/internal/state"
)

// Pauser is the pause control surface exposed over HTTP.
type Pauser interface {
	Pause()
	Resume()
	Paused() bool
}

// Server serves health and status over a local listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the status server.
func New(addr string, store *catalog.Store, st *state.Store, metrics *pipeline.Metrics,
	pauser Pauser, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "time": time.Now().UTC()})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		products, customers := store.Counts()
		byStatus, err := st.CountByStatus()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"paused":    pauser.Paused(),
			"catalog":   map[string]int{"products": products, "customers": customers},
			"counters":  metrics.Snapshot(),
			"by_status": byStatus,
		})
	})

	r.Post("/api/pause", func(w http.ResponseWriter, r *http.Request) {
		pauser.Pause()
		writeJSON(w, map[string]any{"paused": true})
	})
	r.Post("/api/resume", func(w http.ResponseWriter, r *http.Request) {
		pauser.Resume()
		writeJSON(w, map[string]any{"paused": false})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("status server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
