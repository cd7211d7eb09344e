// Package bridge drives MCP conversations with back ends on behalf of
// gateway sessions: it performs the initialize handshake, forwards method
// and tool calls, and performs explicit soft resets.
//
// Upstream calls are detached from the caller's cancellation. A caller that
// disconnects mid-call does not abort the exchange with the back end, which
// would otherwise leave the back-end session in an unknown state. Each call
// is still bounded by the handler's request timeout.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-session-gateway/backends"
	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/ggoodman/mcp-session-gateway/mcp"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/ggoodman/mcp-session-gateway/upstream"
)

// ErrNotFound matches upstream replies saying the method or tool does not
// exist.
var ErrNotFound = upstream.ErrMethodNotFound

// ValidationError reports caller input rejected before any upstream call.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ToolInvoker calls tools within one session.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)
}

type Bridge struct {
	registry *sessions.Registry
	resolver backends.Resolver
	log      *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

func New(registry *sessions.Registry, resolver backends.Resolver, opts ...Option) *Bridge {
	b := &Bridge{registry: registry, resolver: resolver, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry exposes the session registry the bridge operates on.
func (b *Bridge) Registry() *sessions.Registry { return b.registry }

// CreateAndInitialize resolves backendAddress, creates a session and
// completes the handshake. A session whose handshake fails is closed before
// the error is returned.
func (b *Bridge) CreateAndInitialize(ctx context.Context, backendAddress string, metadata map[string]any) (*sessions.Session, error) {
	addr, err := b.resolver.Resolve(ctx, backendAddress)
	if err != nil {
		if errors.Is(err, backends.ErrUnknownBackend) || errors.Is(err, backends.ErrInvalidAddress) || errors.Is(err, backends.ErrNoBackend) {
			return nil, &ValidationError{Field: "backendAddress", Err: err}
		}
		return nil, fmt.Errorf("resolve backend: %w", err)
	}

	s, err := b.registry.GetOrCreate("", sessions.WithBackendAddress(addr), sessions.WithMetadata(metadata))
	if err != nil {
		return nil, err
	}
	ctx = withSession(ctx, s)

	if _, err := s.Transport().Initialize(context.WithoutCancel(ctx)); err != nil {
		b.registry.Close(s.ID())
		b.log.WarnContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return nil, err
	}

	b.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("backend_session", s.BackendSessionID()),
	)
	return s, nil
}

// Execute forwards method with params to the session's back end and returns
// the result member of the reply. Unknown sessions fail with
// sessions.ErrSessionNotFound before any upstream traffic.
func (b *Bridge) Execute(ctx context.Context, id, method string, params json.RawMessage) (json.RawMessage, error) {
	if id == "" {
		return nil, &ValidationError{Field: "sessionId", Reason: "required"}
	}
	if method == "" {
		return nil, &ValidationError{Field: "method", Reason: "required"}
	}

	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	ctx = withSession(ctx, s)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, Type: "request"})

	res, err := s.Transport().Call(context.WithoutCancel(ctx), method, params)
	if err != nil {
		b.log.WarnContext(ctx, "session.execute.fail", slog.String("err", err.Error()))
		return nil, err
	}
	b.log.DebugContext(ctx, "session.execute.ok")
	return res, nil
}

// CallTool invokes a tool. Absent arguments are sent as an empty object.
func (b *Bridge) CallTool(ctx context.Context, id, name string, arguments json.RawMessage) (json.RawMessage, error) {
	if name == "" {
		return nil, &ValidationError{Field: "toolName", Reason: "required"}
	}
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage("{}")
	}
	params, err := json.Marshal(mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, &ValidationError{Field: "arguments", Err: err}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	return b.Execute(ctx, id, string(mcp.ToolsCallMethod), params)
}

// ListTools returns the session's tool definitions, empty when the back end
// reports none.
func (b *Bridge) ListTools(ctx context.Context, id string) ([]json.RawMessage, error) {
	res, err := b.Execute(ctx, id, string(mcp.ToolsListMethod), nil)
	if err != nil {
		return nil, err
	}

	var list mcp.ListToolsResult
	if err := json.Unmarshal(res, &list); err != nil || list.Tools == nil {
		return []json.RawMessage{}, nil
	}
	return list.Tools, nil
}

// Reinitialize performs an explicit soft reset of the session's back-end
// state on the same handler and transport. The session observably passes
// through initialized=false before becoming initialized again.
func (b *Bridge) Reinitialize(ctx context.Context, id string) (json.RawMessage, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	ctx = withSession(ctx, s)

	res, err := s.Transport().Reinitialize(context.WithoutCancel(ctx))
	if err != nil {
		b.log.WarnContext(ctx, "session.reinitialize.fail", slog.String("err", err.Error()))
		return nil, err
	}
	b.log.InfoContext(ctx, "session.reinitialize.ok",
		slog.String("backend_session", s.BackendSessionID()),
	)
	return res, nil
}

// Close ends the session. It reports whether the session existed.
func (b *Bridge) Close(id string) bool {
	return b.registry.Close(id)
}

// Invoker returns a ToolInvoker bound to session id.
func (b *Bridge) Invoker(id string) ToolInvoker {
	return &invoker{bridge: b, sessionID: id}
}

type invoker struct {
	bridge    *Bridge
	sessionID string
}

func (i *invoker) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	return i.bridge.CallTool(ctx, i.sessionID, name, arguments)
}

func withSession(ctx context.Context, s *sessions.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.ID(),
		Backend:   s.BackendAddress(),
		Slot:      s.Slot().ID,
	})
}
