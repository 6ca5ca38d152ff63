// ABOUTME: HTTP API exposing the routing engine to bots, operator consoles and dashboards
// ABOUTME: Registers JSON endpoints, the tenant event stream, and health checks on a ServeMux

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/routing"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyHeader is the request header that makes conversation starts retry-safe.
const IdempotencyHeader = "Idempotency-Key"

// ReadinessChecker reports whether the backing store can serve requests.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// Options configures an API.
type Options struct {
	Engine      *routing.Engine
	Broadcaster *events.Broadcaster
	Idempotency *dedupe.Cache
	Readiness   ReadinessChecker
	Logger      *slog.Logger

	// Heartbeat is the interval between SSE keepalive comments. Defaults to 15s.
	Heartbeat time.Duration
}

// API serves the routing engine over HTTP.
type API struct {
	engine      *routing.Engine
	broadcaster *events.Broadcaster
	idempotency *dedupe.Cache
	readiness   ReadinessChecker
	heartbeat   time.Duration
	logger      *slog.Logger
}

// New creates an API. Engine is required; the rest are optional.
func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &API{
		engine:      opts.Engine,
		broadcaster: opts.Broadcaster,
		idempotency: opts.Idempotency,
		readiness:   opts.Readiness,
		heartbeat:   opts.Heartbeat,
		logger:      opts.Logger.With("component", "api"),
	}
}

// Register adds every route to mux. Endpoints under /api are wrapped with
// authMiddleware, which must attach an auth.Identity; health checks are open.
func (a *API) Register(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)

	mux.Handle("POST /api/conversations", protect(a.handleStartConversation))
	mux.Handle("GET /api/conversations/{id}", protect(a.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/messages", protect(a.handleAppendMessage))
	mux.Handle("GET /api/conversations/{id}/messages", protect(a.handleTranscript))
	mux.Handle("POST /api/conversations/{id}/handoff", protect(a.handleHandoff))
	mux.Handle("POST /api/conversations/{id}/accept", protect(a.handleAccept))
	mux.Handle("POST /api/conversations/{id}/resolve", protect(a.handleResolve))
	mux.Handle("POST /api/conversations/{id}/abandon", protect(a.handleAbandon))
	mux.Handle("POST /api/conversations/{id}/assign", protect(a.handleAssign))
	mux.Handle("GET /api/conversations/{id}/transfers", protect(a.handleTransfers))

	mux.Handle("GET /api/queue", protect(a.handleQueue))
	mux.Handle("POST /api/queue/drain", protect(a.handleDrain))

	mux.Handle("GET /api/operators", protect(a.handleListOperators))
	mux.Handle("GET /api/operators/available", protect(a.handleAvailableOperators))
	mux.Handle("PUT /api/operators/me", protect(a.handleUpsertMe))
	mux.Handle("POST /api/operators/{id}/status", protect(a.handleSetStatus))
	mux.Handle("GET /api/operators/{id}/stats", protect(a.handleOperatorStats))

	mux.Handle("GET /api/events", protect(a.handleEvents))
}

// Handler returns a fresh mux with every route registered.
func (a *API) Handler(authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	a.Register(mux, authMiddleware)
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.readiness.Ping(ctx); err != nil {
			a.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// callerIdentity returns the authenticated identity or writes a 401.
func (a *API) callerIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		a.sendError(w, r, routing.ErrUnauthenticated)
		return auth.Identity{}, false
	}
	return id, true
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendJSON writes v as a JSON response.
func (a *API) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}
