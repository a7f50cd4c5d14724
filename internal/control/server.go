// Package control implements the HTTP surface consumed by the dashboard:
// status, history, config management, scheduling controls and the live log
// stream. It only reads the status store and log bus or calls the
// runtime's control operations; reconciliation logic never runs here except
// via run-once.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oxsync/oxsyncd/internal/config"
	"github.com/oxsync/oxsyncd/internal/daemon"
	"github.com/oxsync/oxsyncd/internal/logbus"
)

const maxBodyBytes = 1 << 20 // 1 MB

// Server is the control API server.
type Server struct {
	addr   string
	rt     *daemon.Runtime
	logger *slog.Logger
}

// NewServer creates a control server bound to addr.
func NewServer(addr string, rt *daemon.Runtime, logger *slog.Logger) *Server {
	return &Server{addr: addr, rt: rt, logger: logger}
}

// routes builds the API handler.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("POST /api/config/save", s.handleConfigSave)
	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("POST /api/run-once", s.handleRunOnce)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/dry-run", s.handleDryRun)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	if m := s.rt.Metrics(); m != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves the control API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: log stream connections are long-lived.
		WriteTimeout:   0,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	paused, dryRun := s.rt.Flags()
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":      paused,
		"dry_run":     dryRun,
		"config_path": s.rt.ConfigPath(),
		"targets":     s.rt.Store().All(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	items := s.rt.History().List()
	// Stored oldest-first; rendered newest-first.
	slices.Reverse(items)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Config())
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}
	if errs := s.rt.SaveConfig(raw); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": errs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}
	_, errs := config.Check(raw)
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(errs) == 0, "errors": errs})
}

func (s *Server) handleRunOnce(w http.ResponseWriter, _ *http.Request) {
	s.rt.RunOnce()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.rt.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.rt.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": []string{"invalid JSON body"}})
		return
	}
	s.rt.SetDryRun(body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dry_run": body.Enabled})
}

// handleLogStream serves the live log feed as server-sent events. Each
// connection gets its own bounded subscription; a slow consumer loses its
// oldest buffered lines, never stalls the daemon.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			tail = n
		}
	}

	sub := s.rt.Bus().Subscribe(logbus.SubscribeOptions{
		MinLevel: logbus.ParseLevel(r.URL.Query().Get("level")),
		Target:   r.URL.Query().Get("target"),
		Tail:     tail,
	})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", ev.Line())
			flusher.Flush()
		}
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body")
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
