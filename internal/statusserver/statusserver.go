// Package statusserver exposes one run's progress.Tracker over HTTP and a
// WebSocket push endpoint, for headless operation (SPEC_FULL.md §B) when the
// operator wants status without attaching the TUI.
//
// Grounded on internal/server/server.go's mux/handlers/Hub shape; the
// embedded React frontend and multi-cluster/job-queue management the teacher
// server carries have no home in a single-run CLI tool (see DESIGN.md) and
// are dropped in favor of a plain JSON+WebSocket API a terminal client or a
// future frontend can consume directly.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/config"
	"github.com/jfoltran/pgcopydb/internal/progress"
)

// Server serves /api/v1/status, /api/v1/tables, /api/v1/logs, /api/v1/config,
// and /api/v1/ws for the current run's progress.Tracker.
type Server struct {
	tracker *progress.Tracker
	cfg     *config.Config
	logger  zerolog.Logger
	hub     *hub
	srv     *http.Server
}

// New creates a Server reporting on tracker's snapshots.
func New(tracker *progress.Tracker, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With().Str("component", "status-server").Logger(),
		hub:     newHub(tracker, logger),
	}
}

// Start serves on the given port until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/tables", s.handleTables)
	mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go s.hub.start(ctx)

	s.logger.Info().Int("port", port).Msg("starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine.
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("status server error")
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tracker.Snapshot())
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tracker.Snapshot().Tables)
}

type redactedDB struct {
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	User   string `json:"user"`
	DBName string `json:"dbname"`
}

func redactDB(d config.DatabaseConfig) redactedDB {
	return redactedDB{Host: d.Host, Port: d.Port, User: d.User, DBName: d.DBName}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeJSON(w, map[string]string{"error": "no config available"})
		return
	}
	writeJSON(w, struct {
		Source         redactedDB `json:"source"`
		Target         redactedDB `json:"target"`
		TableJobs      int        `json:"table_jobs"`
		IndexJobs      int        `json:"index_jobs"`
		Plugin         string     `json:"plugin"`
		SkipExtensions bool       `json:"skip_extensions"`
	}{
		Source:         redactDB(s.cfg.Source),
		Target:         redactDB(s.cfg.Target),
		TableJobs:      s.cfg.TableJobs,
		IndexJobs:      s.cfg.IndexJobs,
		Plugin:         s.cfg.Plugin,
		SkipExtensions: s.cfg.SkipExtensions,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tracker.Logs())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
