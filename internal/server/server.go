// Package server exposes the build system over HTTP: a JSON API for
// submitting and inspecting builds, artifact downloads straight from the
// publish volume, Prometheus metrics and a human-readable status page.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/buildbot/internal/history"
	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/orchestrator"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// BuildController is the orchestrator surface the server needs.
type BuildController interface {
	SubmitBuildRequest(branch, strategy, arg3 string, priority task.Priority) (*orchestrator.SubmitResult, error)
	CancelBuild(taskID string) orchestrator.CancelResult
	BuildStatus() orchestrator.Status
}

// HistoryReader answers history queries for the API and status page.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	Stats(ctx context.Context) (map[string]history.KeyStats, error)
	EstimatedDuration(ctx context.Context, key string) (time.Duration, bool, error)
}

// Options configures the HTTP server.
type Options struct {
	ListenAddr     string
	PublishRoot    string
	MetricsEnabled bool
}

// Server wires the HTTP endpoints. History is optional; without it the
// history endpoints report empty data.
type Server struct {
	opts       Options
	controller BuildController
	history    HistoryReader
	startTime  time.Time

	httpServer *http.Server
}

// New constructs a server. It does not listen until Start.
func New(opts Options, controller BuildController, hist HistoryReader) *Server {
	return &Server{
		opts:       opts,
		controller: controller,
		history:    hist,
		startTime:  time.Now(),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatusPage)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/build", s.handleSubmit)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /downloads/", http.StripPrefix("/downloads/",
		http.FileServer(http.Dir(s.opts.PublishRoot))))
	if s.opts.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

// Start binds the listen address and serves until ctx is cancelled. The
// port is bound before the serving goroutine starts so startup failures
// surface immediately instead of as a log line later.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.opts.ListenAddr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", logfields.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type submitRequest struct {
	Branch   string `json:"branch"`
	Strategy string `json:"strategy"`
	Arg3     string `json:"arg3,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type cancelRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type historyResponse struct {
	Recent []history.Record            `json:"recent"`
	Stats  map[string]history.KeyStats `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.BuildStatus())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := s.controller.SubmitBuildRequest(req.Branch, req.Strategy, req.Arg3, priority)
	if err != nil {
		status := http.StatusBadRequest
		var verr *task.ValidationError
		if !errors.As(err, &verr) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	res := s.controller.CancelBuild(req.TaskID)
	status := http.StatusOK
	if res.Status == orchestrator.StatusNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	resp := historyResponse{
		Recent: []history.Record{},
		Stats:  map[string]history.KeyStats{},
	}
	if s.history != nil {
		limit := 20
		if q := r.URL.Query().Get("limit"); q != "" {
			if _, err := fmt.Sscanf(q, "%d", &limit); err != nil || limit <= 0 || limit > 500 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
				return
			}
		}

		recent, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		stats, err := s.history.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if recent != nil {
			resp.Recent = recent
		}
		if stats != nil {
			resp.Stats = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}

// writeJSON encodes into a buffer first so serialization failures never
// produce a partial response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", logfields.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Failed to write JSON response body", logfields.Error(err))
	}
}
