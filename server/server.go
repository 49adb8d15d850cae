// Package server exposes the operational HTTP surface: health, readiness, watcher status,
// the session index and Prometheus metrics. Every request carries a correlation id that
// is echoed back in X-Correlation-ID and attached to request logs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/chatpeak/db"
	"github.com/onnwee/chatpeak/watcher"
)

// StatusProvider reports the watcher's current view; *watcher.Watcher in production.
type StatusProvider interface {
	Snapshot() watcher.Snapshot
}

// SessionLister queries the session index; *db.Index in production. Optional.
type SessionLister interface {
	ListSessions(ctx context.Context, channel string, limit int) ([]db.SessionRow, error)
	GetSession(ctx context.Context, streamID string) (db.SessionRow, error)
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the collaborators the handlers read from. Status is required.
type Deps struct {
	Status   StatusProvider
	Sessions SessionLister
	Ready    []Check
}

type handlers struct {
	deps Deps
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	h := &handlers{deps: deps}
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /sessions", h.handleSessionsList)
	mux.HandleFunc("GET /sessions/{id}", h.handleSessionGet)

	return otelhttp.NewHandler(withCorrelation(mux), "http-server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

func (h *handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz runs the readiness checks in order and reports the first failure.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.deps.Ready {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Status == nil {
		http.Error(w, "watcher not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status.Snapshot())
}

func (h *handlers) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		http.Error(w, "session index disabled", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
		return
	}
	rows, err := h.deps.Sessions.ListSessions(r.Context(), r.URL.Query().Get("channel"), limit)
	if err != nil {
		requestLogger(r).Error("list sessions", slog.Any("err", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	out := make([]sessionJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toSessionJSON(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		http.Error(w, "session index disabled", http.StatusNotFound)
		return
	}
	row, err := h.deps.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		requestLogger(r).Error("get session", slog.Any("err", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(row))
}

type sessionJSON struct {
	StreamID       string     `json:"stream_id"`
	Channel        string     `json:"channel"`
	Token          string     `json:"token"`
	Title          string     `json:"title,omitempty"`
	Dir            string     `json:"dir"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Status         string     `json:"status"`
	FinalizeReason string     `json:"finalize_reason,omitempty"`
	Final          bool       `json:"final"`
	EventCount     int64      `json:"event_count"`
	ReconnectCount int64      `json:"reconnect_count"`
	AppendFailures int64      `json:"append_failures"`
	PeakCount      *int       `json:"peak_count,omitempty"`
	AnalysedAt     *time.Time `json:"analysed_at,omitempty"`
}

func toSessionJSON(r db.SessionRow) sessionJSON {
	return sessionJSON{
		StreamID:       r.StreamID,
		Channel:        r.Channel,
		Token:          r.Token,
		Title:          r.Title,
		Dir:            r.Dir,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		Status:         string(r.Status),
		FinalizeReason: string(r.FinalizeReason),
		Final:          r.Final,
		EventCount:     r.EventCount,
		ReconnectCount: r.ReconnectCount,
		AppendFailures: r.AppendFailures,
		PeakCount:      r.PeakCount,
		AnalysedAt:     r.AnalysedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		return -1
	}
	return def
}
