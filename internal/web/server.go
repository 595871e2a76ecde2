// Package web serves the liveness endpoint and a small status page.
// Platform health checks probe "/" with GET or HEAD; "/status" exposes
// uptime and write-back sync counters as JSON.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelbot/kestrel/internal/cache"
)

// Server is the HTTP side of the bot process.
type Server struct {
	addr    string
	syncer  *cache.Syncer
	logger  *slog.Logger
	started time.Time

	server *http.Server
}

// NewServer creates the status server listening on addr.
func NewServer(addr string, syncer *cache.Syncer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		syncer:  syncer,
		logger:  logger.With("component", "web"),
		started: time.Now(),
	}
}

// Start serves until the listener fails. It blocks; run it in its own
// goroutine and stop it with Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("status server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "OK")
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := struct {
		Status string          `json:"status"`
		Uptime string          `json:"uptime"`
		Sync   cache.SyncStats `json:"sync"`
	}{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.syncer != nil {
		status.Sync = s.syncer.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}
