package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/mcp"
)

// Transport is the per-session connection state to one back end. Calls on
// a Transport are serialized; calls on different transports are not.
type Transport struct {
	handler    *Handler
	address    string
	fallbackID string

	// callMu serializes handshakes and calls.
	callMu sync.Mutex
	nextID atomic.Int64

	mu               sync.Mutex
	state            State
	backendSessionID string
	protocolVersion  string
	initResult       json.RawMessage
}

// Address is the back-end URL this transport talks to.
func (t *Transport) Address() string { return t.address }

// Handler returns the shared handler that created this transport.
func (t *Transport) Handler() *Handler { return t.handler }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Initialized reports whether the transport is READY.
func (t *Transport) Initialized() bool { return t.State() == StateReady }

// BackendSessionID is the session id presented to the back end, empty until
// the first handshake completes.
func (t *Transport) BackendSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backendSessionID
}

// ProtocolVersion is the version negotiated by the last handshake.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// InitializeResult is the raw result of the last successful handshake.
func (t *Transport) InitializeResult() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initResult
}

// Initialize performs the first handshake. It fails with
// ErrAlreadyInitialized when the transport is already READY.
func (t *Transport) Initialize(ctx context.Context) (json.RawMessage, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	switch t.State() {
	case StateClosed:
		return nil, ErrTransportClosed
	case StateReady:
		return nil, ErrAlreadyInitialized
	}
	return t.handshake(ctx)
}

// Reinitialize performs a fresh handshake on a READY transport, passing
// through INITIALIZING. The back-end session replaced by the new handshake
// is terminated in the background. On an UNINITIALIZED transport it behaves
// like Initialize.
func (t *Transport) Reinitialize(ctx context.Context) (json.RawMessage, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if t.State() == StateClosed {
		return nil, ErrTransportClosed
	}
	stale := t.BackendSessionID()

	t.handler.log.InfoContext(ctx, "transport.reinitialize.start", slog.String("backend_session", stale))
	res, err := t.handshake(ctx)
	if err != nil {
		// A failed handshake drops the stale id. If it is still stored, Close
		// ran mid-handshake and already owns its termination.
		if stale != "" && t.BackendSessionID() != stale {
			go t.terminate(stale)
		}
		return nil, err
	}

	if current := t.BackendSessionID(); stale != "" && stale != current {
		go t.terminate(stale)
	}
	return res, nil
}

func (t *Transport) handshake(ctx context.Context) (json.RawMessage, error) {
	h := t.handler
	t.setState(StateInitializing)

	params := mcp.InitializeRequest{
		ProtocolVersion: h.protocolVersion,
		ClientInfo:      h.clientInfo,
	}
	req, err := jsonrpc.NewRequest(t.newID(), string(mcp.InitializeMethod), params)
	if err != nil {
		t.failHandshake()
		return nil, err
	}

	// The handshake never carries a session header: back ends reject an
	// initialize naming a session they do not know.
	ex, err := h.post(ctx, t.address, req, "", "")
	if err != nil {
		t.failHandshake()
		return nil, fmt.Errorf("initialize %s: %w", t.address, err)
	}

	var result mcp.InitializeResult
	if len(ex.response.Result) > 0 {
		if err := json.Unmarshal(ex.response.Result, &result); err != nil {
			h.log.WarnContext(ctx, "transport.initialize.result_invalid", slog.String("err", err.Error()))
		}
	}

	sessionID := ex.sessionID
	if sessionID == "" {
		sessionID = t.fallbackID
	}
	version := result.ProtocolVersion
	if version == "" {
		version = h.protocolVersion
	}

	if _, err := h.post(ctx, t.address, jsonrpc.NewNotification(string(mcp.InitializedNotificationMethod)), sessionID, version); err != nil {
		h.log.WarnContext(ctx, "transport.initialized_notification.fail", slog.String("err", err.Error()))
	}

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		go t.terminate(sessionID)
		return nil, ErrTransportClosed
	}
	t.backendSessionID = sessionID
	t.protocolVersion = version
	t.initResult = ex.response.Result
	t.mu.Unlock()

	t.setState(StateReady)
	h.log.InfoContext(ctx, "transport.initialize.ok",
		slog.String("backend_session", sessionID),
		slog.String("protocol_version", version),
		slog.String("server", result.ServerInfo.Name),
	)
	return ex.response.Result, nil
}

func (t *Transport) failHandshake() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.backendSessionID = ""
	t.mu.Unlock()
	t.setState(StateUninitialized)
}

// Call sends a request and returns the result member of the response.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	t.mu.Lock()
	state, sessionID, version := t.state, t.backendSessionID, t.protocolVersion
	t.mu.Unlock()

	switch state {
	case StateReady:
	case StateClosed:
		return nil, ErrTransportClosed
	default:
		return nil, ErrNotInitialized
	}

	req, err := jsonrpc.NewRequest(t.newID(), method, params)
	if err != nil {
		return nil, err
	}
	ex, err := t.handler.post(ctx, t.address, req, sessionID, version)
	if err != nil {
		return nil, err
	}
	return ex.response.Result, nil
}

// Close marks the transport CLOSED. It returns the back-end session id and
// whether a back-end session was open, in which case the caller should
// terminate it. A transport closed during a reinitialize still reports the
// session being replaced.
func (t *Transport) Close() (string, bool) {
	t.mu.Lock()
	prev := t.state
	sessionID := t.backendSessionID
	t.state = StateClosed
	t.mu.Unlock()

	if prev != StateClosed {
		t.notify(prev, StateClosed)
	}
	open := prev == StateReady || prev == StateInitializing
	return sessionID, open && sessionID != ""
}

// Terminate closes the transport and deletes the back-end session.
func (t *Transport) Terminate(ctx context.Context) error {
	sessionID, open := t.Close()
	if !open {
		return nil
	}
	return t.handler.Terminate(ctx, t.address, sessionID)
}

func (t *Transport) terminate(sessionID string) {
	ctx := context.Background()
	if err := t.handler.Terminate(ctx, t.address, sessionID); err != nil && !errors.Is(err, context.Canceled) {
		t.handler.log.WarnContext(ctx, "transport.terminate.fail",
			slog.String("backend_session", sessionID),
			slog.String("err", err.Error()),
		)
	}
}

func (t *Transport) newID() *jsonrpc.RequestID {
	return jsonrpc.NewRequestID(t.nextID.Add(1))
}

func (t *Transport) setState(to State) {
	t.mu.Lock()
	from := t.state
	if from == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()

	if from != to {
		t.notify(from, to)
	}
}

func (t *Transport) notify(from, to State) {
	t.handler.log.Debug("transport.state",
		slog.String("address", t.address),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if t.handler.observer != nil {
		t.handler.observer(t, from, to)
	}
}
