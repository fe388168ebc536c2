// Package ingress exposes the pipeline's HTTP entry point: one event or a
// newline-delimited batch per request, normalized and enqueued onto the
// bus. It is adapted from the Splunk HEC receiver idiom of accepting
// either a single JSON object or NDJSON on the same endpoint.
package ingress

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/bus"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/normalize"
)

// Metrics is the subset of observability counters the ingress adapter
// increments directly; normalize and bus carry their own.
type Metrics interface {
	IncIngested(source string)
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncIngested(string) {}

// RateLimiter is the optional per-source request cap the ingress adapter
// enforces ahead of normalization, distinct from the bus's backpressure
// signal: this bounds the rate of acceptance, the bus bounds the depth of
// what has been accepted. github.com/lvonguyen/sentineldrift/internal/ratelimit.RedisCounter
// satisfies this when a distributed cap shared across instances is needed.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// noopRateLimiter always allows, the default when no limiter is configured.
type noopRateLimiter struct{}

func (noopRateLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

// DrainChecker reports whether the pipeline is shutting down. Ingress
// consults it ahead of every submission: once the orchestrator stops
// consuming a partition's backlog, accepting more work onto the bus just
// queues events that will never be drained, so new ingress must be
// rejected instead.
type DrainChecker interface {
	Draining() bool
}

// neverDraining is the default when no drain checker is wired, matching
// the pre-shutdown, always-accepting behavior.
type neverDraining struct{}

func (neverDraining) Draining() bool { return false }

// Config configures the HTTP ingress adapter.
type Config struct {
	TokenEnv             string // env var holding the bearer token; empty disables auth (dev only)
	MaxBodyBytes         int64
	PerSourceRateLimit   int           // max accepted requests per PerSourceRateWindow per source; 0 disables
	PerSourceRateWindow  time.Duration
}

// DefaultConfig matches the receiver's fixed defaults.
func DefaultConfig() Config {
	return Config{
		TokenEnv:     "SENTINELDRIFT_INGRESS_TOKEN",
		MaxBodyBytes: 1024 * 1024, // 1MB, matching the HEC receiver's MaxEventSize
	}
}

// Server wires the normalizer and bus behind chi routes.
type Server struct {
	cfg         Config
	normalizer  *normalize.Normalizer
	bus         *bus.Bus
	metrics     Metrics
	logger      *zap.Logger
	rateLimiter RateLimiter
	draining    DrainChecker
}

// New creates an ingress Server. rateLimiter may be nil to disable the
// per-source rate cap entirely (the default, local-process deployment).
// draining may be nil to disable the shutdown check (e.g. in tests that
// never exercise it); in a running process it is the Orchestrator, whose
// Draining() flips true once shutdown begins.
func New(cfg Config, normalizer *normalize.Normalizer, b *bus.Bus, metrics Metrics, logger *zap.Logger, rateLimiter RateLimiter, draining DrainChecker) *Server {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rateLimiter == nil {
		rateLimiter = noopRateLimiter{}
	}
	if draining == nil {
		draining = neverDraining{}
	}
	return &Server{cfg: cfg, normalizer: normalizer, bus: b, metrics: metrics, logger: logger, rateLimiter: rateLimiter, draining: draining}
}

// Routes mounts the ingress endpoints onto r. Callers compose this with
// their own operational-surface routes (health, readiness, metrics).
func (s *Server) Routes(r chi.Router) {
	r.Route("/v1/events", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/{source}", s.handleSingle)
		r.Post("/{source}/batch", s.handleBatch)
	})
}

// authenticate is fail-closed: when a token is configured, a missing or
// mismatched bearer token is rejected; an unconfigured token disables auth
// entirely for local development only.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := os.Getenv(s.cfg.TokenEnv)
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid bearer token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type acceptedBody struct {
	Accepted int `json:"accepted"`
}

// handleSingle accepts exactly one JSON object body for the {source} path
// segment.
func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	if !s.checkDraining(w) {
		return
	}
	if !s.checkRateLimit(w, r.Context(), source) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "error reading body"})
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid JSON body: %v", err)})
		return
	}

	if err := s.ingest(r.Context(), source, raw); err != nil {
		s.respondIngestError(w, err)
		return
	}

	s.metrics.IncIngested(source)
	writeJSON(w, http.StatusAccepted, acceptedBody{Accepted: 1})
}

// handleBatch accepts newline-delimited JSON objects for the {source} path
// segment, matching the HEC receiver's NDJSON parsing idiom. The whole
// batch is rejected on a malformed line; accepted events already enqueued
// before the failing line are not rolled back, since the bus has no
// transactional semantics across messages.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	if !s.checkDraining(w) {
		return
	}
	if !s.checkRateLimit(w, r.Context(), source) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "error reading body"})
		return
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	accepted := 0

	for decoder.More() {
		var raw map[string]interface{}
		if err := decoder.Decode(&raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("malformed event at offset %d: %v", accepted, err)})
			return
		}

		if err := s.ingest(r.Context(), source, raw); err != nil {
			s.respondIngestError(w, err)
			return
		}
		accepted++
		s.metrics.IncIngested(source)
	}

	if accepted == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no events found in request body"})
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedBody{Accepted: accepted})
}

// checkDraining rejects new submissions once the pipeline has begun
// shutting down: a 503 with a Retry-After header and event.ErrDraining's
// reason, the retryable rejection the ingress contract documents for
// this case. It runs ahead of every other check since there is no point
// rate-limiting or normalizing work that will be refused regardless.
func (s *Server) checkDraining(w http.ResponseWriter) bool {
	if !s.draining.Draining() {
		return true
	}
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: event.ErrDraining.Error()})
	return false
}

// checkRateLimit enforces the optional per-source request cap ahead of
// normalization. On a rate limiter error it fails open, matching the
// fail-open policy of the Redis counter it wraps: a degraded limiter must
// not itself become an outage.
func (s *Server) checkRateLimit(w http.ResponseWriter, ctx context.Context, source string) bool {
	if s.cfg.PerSourceRateLimit <= 0 {
		return true
	}
	allowed, err := s.rateLimiter.Allow(ctx, source, s.cfg.PerSourceRateLimit, s.cfg.PerSourceRateWindow)
	if err != nil {
		s.logger.Warn("rate limiter check failed, allowing request", zap.String("source", source), zap.Error(err))
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "per-source rate limit exceeded"})
		return false
	}
	return true
}

// ingest normalizes a raw body and enqueues it onto the bus.
func (s *Server) ingest(ctx context.Context, source string, raw map[string]interface{}) error {
	e, err := s.normalizer.Normalize(normalize.RawFinding{Source: source, Body: raw})
	if err != nil {
		return err
	}
	return s.bus.Enqueue(ctx, e)
}

// respondIngestError translates a normalize/enqueue error into the
// response codes the ingress contract defines: 400 for malformed input,
// 429 for backpressure (retryable, never persisted), 503 otherwise.
func (s *Server) respondIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, event.ErrMalformedSource):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, event.ErrBackpressure):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
	default:
		s.logger.Warn("ingress enqueue failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "pipeline temporarily unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NewRouter builds a chi.Router with standard middleware, matching the
// defaults the process entrypoint's HTTP server is configured with.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	return r
}
