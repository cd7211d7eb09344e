// Package upstream speaks the client side of the MCP streamable HTTP
// transport to back-end tool servers.
//
// A Handler is shared by many sessions and keeps no per-session data: it owns
// the HTTP client, the identity the gateway presents during the handshake and
// the per-request timeout. Each gateway session gets its own Transport from a
// Handler; the Transport owns the back-end session id, the negotiated
// protocol version and the lifecycle state machine
//
//	UNINITIALIZED -> INITIALIZING -> READY -> CLOSED
//
// where READY -> INITIALIZING -> READY is taken by an explicit Reinitialize.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/internal/wire"
	"github.com/ggoodman/mcp-session-gateway/mcp"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseSize = 16 << 20
	acceptHeader    = "application/json, text/event-stream"
)

// Handler sends JSON-RPC requests to back ends on behalf of transports.
type Handler struct {
	client          *http.Client
	clientInfo      mcp.ImplementationInfo
	protocolVersion string
	timeout         time.Duration
	log             *slog.Logger
	observer        StateObserver
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the HTTP client used for every upstream request.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithClientInfo sets the clientInfo sent in initialize requests.
func WithClientInfo(name, version string) Option {
	return func(h *Handler) {
		h.clientInfo = mcp.ImplementationInfo{Name: name, Version: version}
	}
}

// WithProtocolVersion sets the protocol version requested during the handshake.
func WithProtocolVersion(v string) Option {
	return func(h *Handler) { h.protocolVersion = v }
}

// WithTimeout bounds every upstream request.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithLogger sets the logger used by the handler and its transports.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithStateObserver registers a callback for transport state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(h *Handler) { h.observer = fn }
}

// NewHandler builds a Handler. Without options it uses http.DefaultClient,
// a 60 second timeout and a discarding logger.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		client:          http.DefaultClient,
		clientInfo:      mcp.ImplementationInfo{Name: "mcp-gateway", Version: "1.0.0"},
		protocolVersion: mcp.LatestProtocolVersion,
		timeout:         defaultTimeout,
		log:             slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Timeout is the bound applied to each upstream request.
func (h *Handler) Timeout() time.Duration { return h.timeout }

// NewTransport creates an uninitialized transport for one gateway session.
// fallbackSessionID is sent as the back-end session id when the back end does
// not assign one during the handshake.
func (h *Handler) NewTransport(address, fallbackSessionID string) *Transport {
	return &Transport{
		handler:    h,
		address:    address,
		fallbackID: fallbackSessionID,
		state:      StateUninitialized,
	}
}

// Terminate asks the back end to discard a session. Back ends that do not
// support explicit termination answer 405, which is not an error.
func (h *Handler) Terminate(ctx context.Context, address, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, address, nil)
	if err != nil {
		return &UpstreamError{Method: "DELETE", Err: err}
	}
	req.Header.Set(mcp.SessionIDHeader, sessionID)

	resp, err := h.client.Do(req)
	if err != nil {
		return &UpstreamError{Method: "DELETE", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return &UpstreamError{Method: "DELETE", StatusCode: resp.StatusCode}
}

// exchange is the outcome of one POST to the back end.
type exchange struct {
	sessionID string
	response  *jsonrpc.Response
}

// post sends one JSON-RPC message. For notifications the response body is
// ignored and any 2xx status is accepted.
func (h *Handler) post(ctx context.Context, address string, msg *jsonrpc.Request, sessionID, protocolVersion string) (*exchange, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	method := msg.Method
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	if sessionID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessionID)
	}
	if protocolVersion != "" {
		req.Header.Set(mcp.ProtocolVersionHeader, protocolVersion)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.WarnContext(ctx, "upstream.call.fail", slog.String("method", method), slog.String("err", err.Error()))
		return nil, &UpstreamError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &UpstreamError{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode/100 != 2 {
		h.log.WarnContext(ctx, "upstream.call.fail",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, &UpstreamError{Method: method, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(truncate(raw)))}
	}

	ex := &exchange{sessionID: resp.Header.Get(mcp.SessionIDHeader)}
	if msg.ID.IsNil() {
		return ex, nil
	}

	res, err := wire.DecodeResponse(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		h.log.WarnContext(ctx, "upstream.decode.fail", slog.String("method", method), slog.String("err", err.Error()))
		return nil, err
	}
	if res.Error != nil {
		return nil, &RPCError{Method: method, Code: res.Error.Code, Message: res.Error.Message, Data: res.Error.Data}
	}

	h.log.DebugContext(ctx, "upstream.call.ok",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	ex.response = res
	return ex, nil
}

func truncate(b []byte) []byte {
	const limit = 512
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
