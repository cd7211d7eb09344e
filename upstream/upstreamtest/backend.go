// Package upstreamtest provides a scriptable in-process MCP back end for
// exercising the gateway's client side over real HTTP.
package upstreamtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/internal/wire"
	"github.com/ggoodman/mcp-session-gateway/mcp"
)

// MethodFunc answers one JSON-RPC request. A non-nil *jsonrpc.Error is sent
// as the error member.
type MethodFunc func(params json.RawMessage) (any, *jsonrpc.Error)

// Request is a request observed by the Backend.
type Request struct {
	HTTPMethod      string
	RPCMethod       string
	SessionID       string
	ProtocolVersion string
	Params          json.RawMessage
}

// Backend is an httptest server that behaves like a stateful streamable
// HTTP MCP server.
type Backend struct {
	*httptest.Server

	sse            bool
	heartbeats     bool
	assignSessions bool
	methods        map[string]MethodFunc
	statuses       map[string]int
	raw            map[string]rawResponse
	blocks         map[string]<-chan struct{}

	mu          sync.Mutex
	requests    []Request
	sessions    map[string]bool
	deleted     []string
	nextSession int
}

// Option configures a Backend.
type Option func(*Backend)

// WithSSE answers requests with an event stream instead of plain JSON.
func WithSSE() Option { return func(b *Backend) { b.sse = true } }

// WithHeartbeats precedes every event-stream answer with a comment line, a
// progress notification and an empty data frame.
func WithHeartbeats() Option {
	return func(b *Backend) {
		b.sse = true
		b.heartbeats = true
	}
}

// WithoutSessionIDs stops the backend from assigning Mcp-Session-Id values.
func WithoutSessionIDs() Option { return func(b *Backend) { b.assignSessions = false } }

// WithMethod installs or replaces the answer for a JSON-RPC method.
func WithMethod(method string, fn MethodFunc) Option {
	return func(b *Backend) { b.methods[method] = fn }
}

// WithHTTPStatus makes requests for method fail with the given HTTP status.
func WithHTTPStatus(method string, status int) Option {
	return func(b *Backend) { b.statuses[method] = status }
}

// WithRawResponse answers requests for method with a fixed body.
func WithRawResponse(method, contentType, body string) Option {
	return func(b *Backend) { b.raw[method] = rawResponse{contentType: contentType, body: body} }
}

// WithBlock holds requests for method until release is closed or the client
// goes away.
func WithBlock(method string, release <-chan struct{}) Option {
	return func(b *Backend) { b.blocks[method] = release }
}

type rawResponse struct {
	contentType string
	body        string
}

// New starts a Backend that is shut down when the test ends. By default it
// assigns session ids, answers with plain JSON and implements initialize,
// ping, tools/list (a single "echo" tool) and tools/call for "echo".
func New(t testing.TB, opts ...Option) *Backend {
	t.Helper()

	b := &Backend{
		assignSessions: true,
		methods:        map[string]MethodFunc{},
		statuses:       map[string]int{},
		raw:            map[string]rawResponse{},
		blocks:         map[string]<-chan struct{}{},
		sessions:       map[string]bool{},
	}
	b.methods[string(mcp.InitializeMethod)] = initialize
	b.methods[string(mcp.PingMethod)] = func(json.RawMessage) (any, *jsonrpc.Error) { return struct{}{}, nil }
	b.methods[string(mcp.ToolsListMethod)] = func(json.RawMessage) (any, *jsonrpc.Error) {
		return map[string]any{"tools": []map[string]any{{"name": "echo"}}}, nil
	}
	b.methods[string(mcp.ToolsCallMethod)] = echo
	for _, opt := range opts {
		opt(b)
	}

	b.Server = httptest.NewServer(http.HandlerFunc(b.serveHTTP))
	t.Cleanup(b.Close)
	return b
}

// Requests returns every request observed so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Count returns how many requests for the JSON-RPC method were observed.
func (b *Backend) Count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r.RPCMethod == method {
			n++
		}
	}
	return n
}

// Deleted returns the session ids terminated with DELETE.
func (b *Backend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

// SetHTTPStatus makes subsequent requests for method fail with status. A
// zero status restores normal answers.
func (b *Backend) SetHTTPStatus(method string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.statuses, method)
		return
	}
	b.statuses[method] = status
}

// SetBlock holds subsequent requests for method until release is closed.
func (b *Backend) SetBlock(method string, release <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[method] = release
}

// Live reports whether the backend still knows the session id.
func (b *Backend) Live(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

func (b *Backend) serveHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(mcp.SessionIDHeader)

	if r.Method == http.MethodDelete {
		b.mu.Lock()
		b.requests = append(b.requests, Request{HTTPMethod: r.Method, SessionID: sessionID})
		b.deleted = append(b.deleted, sessionID)
		delete(b.sessions, sessionID)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.requests = append(b.requests, Request{
		HTTPMethod:      r.Method,
		RPCMethod:       req.Method,
		SessionID:       sessionID,
		ProtocolVersion: r.Header.Get(mcp.ProtocolVersionHeader),
		Params:          req.Params,
	})
	status := b.statuses[req.Method]
	release, blocked := b.blocks[req.Method]
	known := b.sessions[sessionID]
	b.mu.Unlock()

	if status != 0 {
		http.Error(w, "scripted failure", status)
		return
	}
	if blocked {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
	}
	if raw, ok := b.raw[req.Method]; ok {
		w.Header().Set("Content-Type", raw.contentType)
		_, _ = io.WriteString(w, raw.body)
		return
	}

	isInit := req.Method == string(mcp.InitializeMethod)
	if b.assignSessions {
		switch {
		case isInit && sessionID != "":
			http.Error(w, "session not found", http.StatusNotFound)
			return
		case !isInit && !known:
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	if req.ID.IsNil() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var res *jsonrpc.Response
	if fn, ok := b.methods[req.Method]; ok {
		result, rpcErr := fn(req.Params)
		if rpcErr != nil {
			res = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		} else if res, err = jsonrpc.NewResultResponse(req.ID, result); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	if isInit && b.assignSessions {
		b.mu.Lock()
		b.nextSession++
		sessionID = "backend-" + strconv.Itoa(b.nextSession)
		b.sessions[sessionID] = true
		b.mu.Unlock()
		w.Header().Set(mcp.SessionIDHeader, sessionID)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !b.sse {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if b.heartbeats {
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		progress := fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":%q,"progress":1}}`, req.ID.String())
		_ = wire.WriteEvent(w, wire.MessageEvent, "", []byte(progress))
		_, _ = io.WriteString(w, "event: ping\ndata: \n\n")
	}
	_ = wire.WriteEvent(w, wire.MessageEvent, "", payload)
}

func initialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.InitializeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
	}
	return map[string]any{
		"protocolVersion": req.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      mcp.ImplementationInfo{Name: "upstreamtest", Version: "0.0.1"},
	}, nil
}

func echo(params json.RawMessage) (any, *jsonrpc.Error) {
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
	}
	if call.Name != "echo" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "unknown tool: " + call.Name}
	}
	text, _ := call.Arguments["text"].(string)
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}, nil
}
