package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/backends"
	"github.com/ggoodman/mcp-session-gateway/bridge"
	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/mcp"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/ggoodman/mcp-session-gateway/upstream"
	"github.com/ggoodman/mcp-session-gateway/upstream/upstreamtest"
)

type initializedLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *initializedLog) observe(_ *upstream.Transport, _, to upstream.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to == upstream.StateReady)
}

func (l *initializedLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

func newBridge(t *testing.T, defaultBackend string, handlerOpts ...upstream.Option) *bridge.Bridge {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, err := handlerpool.New(2, func(int) (*upstream.Handler, error) {
		return upstream.NewHandler(handlerOpts...), nil
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	resolver, err := backends.NewStatic(nil, defaultBackend)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	reg := sessions.New(pool, sessions.WithLogger(logger))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return bridge.New(reg, resolver, bridge.WithLogger(logger))
}

func TestCreateAndInitialize(t *testing.T) {
	t.Run("Handshake leaves the session initialized", func(t *testing.T) {
		backend := upstreamtest.New(t)
		b := newBridge(t, "")

		s, err := b.CreateAndInitialize(t.Context(), backend.URL, map[string]any{"tenant": "acme"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if !s.Initialized() {
			t.Fatalf("expected session to be initialized")
		}
		if want, got := "backend-1", s.BackendSessionID(); want != got {
			t.Fatalf("unexpected backend session: want %q got %q", want, got)
		}
		if want, got := "acme", s.Metadata()["tenant"]; want != got {
			t.Fatalf("unexpected metadata: want %v got %v", want, got)
		}
	})

	t.Run("Empty address uses the default backend", func(t *testing.T) {
		backend := upstreamtest.New(t)
		b := newBridge(t, backend.URL)

		s, err := b.CreateAndInitialize(t.Context(), "", nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if want, got := backend.URL, s.BackendAddress(); want != got {
			t.Fatalf("unexpected backend: want %q got %q", want, got)
		}
	})

	t.Run("Invalid addresses are validation errors", func(t *testing.T) {
		b := newBridge(t, "")
		for _, addr := range []string{"", "not-configured", "ftp://example.com"} {
			_, err := b.CreateAndInitialize(t.Context(), addr, nil)
			var verr *bridge.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("%q: expected ValidationError, got %v", addr, err)
			}
			if want, got := "backendAddress", verr.Field; want != got {
				t.Fatalf("unexpected field: want %q got %q", want, got)
			}
		}
		if n := b.Registry().Len(); n != 0 {
			t.Fatalf("expected no sessions, got %d", n)
		}
	})

	t.Run("Failed handshake closes the session", func(t *testing.T) {
		backend := upstreamtest.New(t, upstreamtest.WithHTTPStatus(string(mcp.InitializeMethod), http.StatusInternalServerError))
		b := newBridge(t, "")

		_, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
		var upErr *upstream.UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("expected UpstreamError, got %v", err)
		}
		if n := b.Registry().Len(); n != 0 {
			t.Fatalf("expected the failed session to be removed, got %d sessions", n)
		}
	})
}

func TestExecute(t *testing.T) {
	backend := upstreamtest.New(t, upstreamtest.WithHeartbeats())
	b := newBridge(t, "")
	s, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("Result member is returned", func(t *testing.T) {
		res, err := b.Execute(t.Context(), s.ID(), "tools/list", nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if want, got := `{"tools":[{"name":"echo"}]}`, string(res); want != got {
			t.Fatalf("unexpected result: want %s got %s", want, got)
		}
	})

	t.Run("Unknown session makes no upstream call", func(t *testing.T) {
		before := len(backend.Requests())
		_, err := b.Execute(t.Context(), "no-such-session", "tools/list", nil)
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
		if want, got := before, len(backend.Requests()); want != got {
			t.Fatalf("unexpected upstream traffic: want %d requests got %d", want, got)
		}
	})

	t.Run("Missing method is a validation error", func(t *testing.T) {
		_, err := b.Execute(t.Context(), s.ID(), "", nil)
		var verr *bridge.ValidationError
		if !errors.As(err, &verr) || verr.Field != "method" {
			t.Fatalf("expected method ValidationError, got %v", err)
		}
	})

	t.Run("Unknown upstream method is not found", func(t *testing.T) {
		_, err := b.Execute(t.Context(), s.ID(), "resources/list", nil)
		if !errors.Is(err, bridge.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Caller cancellation does not abort the upstream call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		if _, err := b.Execute(ctx, s.ID(), "ping", nil); err != nil {
			t.Fatalf("expected detached call to succeed, got %v", err)
		}
	})
}

func TestCallToolAndListTools(t *testing.T) {
	backend := upstreamtest.New(t)
	b := newBridge(t, "")
	s, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := b.Invoker(s.ID()).CallTool(t.Context(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if want, got := `{"content":[{"text":"hi","type":"text"}]}`, string(res); want != got {
		t.Fatalf("unexpected result: want %s got %s", want, got)
	}

	if _, err := b.CallTool(t.Context(), s.ID(), "nope", nil); !errors.Is(err, bridge.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown tool, got %v", err)
	}

	reqs := backend.Requests()
	var params mcp.CallToolParams
	if err := json.Unmarshal(reqs[len(reqs)-1].Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if want, got := "{}", string(params.Arguments); want != got {
		t.Fatalf("absent arguments must default to an empty object: want %s got %s", want, got)
	}

	tools, err := b.ListTools(t.Context(), s.ID())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if want, got := 1, len(tools); want != got {
		t.Fatalf("unexpected tool count: want %d got %d", want, got)
	}

	t.Run("Missing tools member yields an empty list", func(t *testing.T) {
		bare := upstreamtest.New(t, upstreamtest.WithMethod("tools/list", func(json.RawMessage) (any, *jsonrpc.Error) {
			return map[string]any{}, nil
		}))
		s2, err := b.CreateAndInitialize(t.Context(), bare.URL, nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		tools, err := b.ListTools(t.Context(), s2.ID())
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		if tools == nil || len(tools) != 0 {
			t.Fatalf("expected an empty non-nil list, got %v", tools)
		}
	})
}

func TestExecuteSerializesPerSession(t *testing.T) {
	release := make(chan struct{})
	backend := upstreamtest.New(t, upstreamtest.WithBlock(string(mcp.ToolsListMethod), release))
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	b := newBridge(t, "")

	busy, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	idle, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := b.Execute(t.Context(), busy.ID(), string(mcp.ToolsListMethod), nil)
		blocked <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for backend.Count(string(mcp.ToolsListMethod)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("blocked call never reached the backend")
		}
		time.Sleep(10 * time.Millisecond)
	}

	queued := make(chan error, 1)
	go func() {
		_, err := b.Execute(t.Context(), busy.ID(), string(mcp.PingMethod), nil)
		queued <- err
	}()

	if _, err := b.Execute(t.Context(), idle.ID(), string(mcp.PingMethod), nil); err != nil {
		t.Fatalf("execute on another session: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if want, got := 1, backend.Count(string(mcp.PingMethod)); want != got {
		t.Fatalf("queued call reached the backend early: want %d pings got %d", want, got)
	}

	unblock()
	if err := <-blocked; err != nil {
		t.Fatalf("blocked call: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("queued call: %v", err)
	}
	if want, got := 2, backend.Count(string(mcp.PingMethod)); want != got {
		t.Fatalf("unexpected ping count: want %d got %d", want, got)
	}
}

func TestReinitialize(t *testing.T) {
	backend := upstreamtest.New(t)
	log := &initializedLog{}
	b := newBridge(t, "", upstream.WithStateObserver(log.observe))

	s, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	slot, transport := s.Slot(), s.Transport()

	if _, err := b.Reinitialize(t.Context(), s.ID()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}

	// uninitialized->initializing, initializing->ready, ready->initializing, initializing->ready
	want := []bool{false, true, false, true}
	got := log.get()
	if len(got) != len(want) {
		t.Fatalf("unexpected transitions: want %v got %v", want, got)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("unexpected transitions: want %v got %v", want, got)
		}
	}

	if s.Slot() != slot || s.Transport() != transport {
		t.Fatalf("reinitialize must keep the handler binding and transport")
	}
	if !s.Initialized() {
		t.Fatalf("expected session to be initialized after reset")
	}
	if want, got := 2, backend.Count(string(mcp.InitializeMethod)); want != got {
		t.Fatalf("unexpected initialize count: want %d got %d", want, got)
	}

	if _, err := b.Reinitialize(t.Context(), "missing"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestClose(t *testing.T) {
	backend := upstreamtest.New(t)
	b := newBridge(t, "")
	s, err := b.CreateAndInitialize(t.Context(), backend.URL, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !b.Close(s.ID()) {
		t.Fatalf("expected close to report an existing session")
	}
	if b.Close(s.ID()) {
		t.Fatalf("second close must report false")
	}
	if _, err := b.Execute(t.Context(), s.ID(), "tools/list", nil); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after close, got %v", err)
	}
}
