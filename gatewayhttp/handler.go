// Package gatewayhttp exposes the gateway over HTTP.
//
// Two surfaces share one handler. The REST surface (/session, /execute,
// /tool, /tools/{id}, /sessions, /health) takes and returns plain JSON and
// names sessions explicitly. The protocol-native surface (/mcp) speaks
// JSON-RPC the way a streamable HTTP MCP server does, so stock MCP clients
// can point at the gateway directly; its replies are event-stream framed when
// the caller accepts text/event-stream.
package gatewayhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-gateway/affinity"
	"github.com/ggoodman/mcp-session-gateway/affinity/memory"
	"github.com/ggoodman/mcp-session-gateway/bridge"
	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/ggoodman/mcp-session-gateway/internal/wire"
	"github.com/ggoodman/mcp-session-gateway/mcp"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

const (
	sessionHeader = "X-Session-ID"
	requestHeader = "X-Request-ID"
	backendHeader = "X-Backend-Address"

	maxBodySize = 4 << 20
)

var eventStreamMediaTypes = []contenttype.MediaType{wire.EventStreamMediaType}

// Handler serves both HTTP surfaces of the gateway.
type Handler struct {
	bridge   *bridge.Bridge
	registry *sessions.Registry
	affinity affinity.Store
	log      *slog.Logger
	now      func() time.Time
	started  time.Time
	origins  []string

	sharedAffinity bool
	handler        http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAffinityStore sets where protocol-native caller keys are mapped to
// sessions. Defaults to an in-memory store.
func WithAffinityStore(s affinity.Store) Option {
	return func(h *Handler) { h.affinity = s }
}

// WithAllowedOrigins sets the CORS allowed origins. Defaults to "*".
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithClock replaces time.Now for uptime reporting.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New builds the HTTP handler around b.
func New(b *bridge.Bridge, opts ...Option) (*Handler, error) {
	h := &Handler{
		bridge:   b,
		registry: b.Registry(),
		log:      slog.Default(),
		now:      time.Now,
		origins:  []string{"*"},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.affinity == nil {
		store, err := memory.New(memory.DefaultMaxEntries)
		if err != nil {
			return nil, err
		}
		h.affinity = store
	}
	h.sharedAffinity = affinity.IsShared(h.affinity)
	h.started = h.now()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", h.handleCreateSession)
	mux.HandleFunc("GET /session/{sessionId}", h.handleGetSession)
	mux.HandleFunc("DELETE /session/{sessionId}", h.handleDeleteSession)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("POST /execute", h.handleExecute)
	mux.HandleFunc("POST /tool", h.handleTool)
	mux.HandleFunc("GET /tools/{sessionId}", h.handleListTools)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("GET /mcp", h.handleGetMCP)
	mux.HandleFunc("DELETE /mcp", h.handleDeleteMCP)

	c := cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			sessionHeader,
			mcp.SessionIDHeader,
			mcp.ProtocolVersionHeader,
			requestHeader,
			backendHeader,
		},
		ExposedHeaders: []string{mcp.SessionIDHeader},
	})
	h.handler = c.Handler(mux)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", wire.JSONMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// acceptsEventStream reports whether the caller explicitly accepts
// event-stream replies. A missing Accept header means JSON.
func acceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}
