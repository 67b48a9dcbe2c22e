// Package server exposes the gateway over HTTP: the /ws/voice WebSocket
// endpoint that carries conversations, and the admin surface with health,
// readiness, metrics, and session inspection.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaanilabs/vaani/internal/gateway"
	"github.com/vaanilabs/vaani/internal/health"
	"github.com/vaanilabs/vaani/internal/observe"
	"github.com/vaanilabs/vaani/internal/session"
)

// Config carries the transport-level settings of the server.
type Config struct {
	// ConfigTimeout bounds the wait for a new connection's config frame.
	ConfigTimeout time.Duration

	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	MaxSessions int

	// DefaultLanguage is assumed when a config frame omits language.
	DefaultLanguage string

	// SupportedLanguages lists the accepted BCP-47 tags.
	SupportedLanguages []string

	// SampleRate is the expected input sample rate in Hz.
	SampleRate int
}

func (c Config) supports(code string) bool {
	return slices.Contains(c.SupportedLanguages, code)
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithReadinessChecks registers extra checkers for /ready on top of the
// built-in session store check.
func WithReadinessChecks(checks ...health.Checker) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// Server routes WebSocket conversations into the turn pipeline and serves the
// admin endpoints.
type Server struct {
	store    *session.Store
	pipeline *gateway.Pipeline
	cfg      Config
	metrics  *observe.Metrics
	logger   *slog.Logger
	checks   []health.Checker
}

// New creates a Server over the given session store and pipeline.
func New(store *session.Store, pipeline *gateway.Pipeline, cfg Config, opts ...Option) *Server {
	s := &Server{
		store:    store,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler builds the full route table. The WebSocket endpoint is mounted
// bare; the admin surface goes through the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/voice", s.handleVoice)

	admin := http.NewServeMux()
	checks := append([]health.Checker{{Name: "session_store", Check: s.store.Ping}}, s.checks...)
	health.New(checks...).Register(admin)
	admin.Handle("GET /metrics", promhttp.Handler())
	admin.HandleFunc("GET /sessions/{id}", s.handleSession)

	mux.Handle("/", observe.Middleware(s.metrics)(admin))
	return mux
}

// handleSession serves a point-in-time snapshot of one session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.store.Get(r.Context(), id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
