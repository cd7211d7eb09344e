package sessions_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/ggoodman/mcp-session-gateway/upstream"
	"github.com/ggoodman/mcp-session-gateway/upstream/upstreamtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newPool(t *testing.T, size int, opts ...handlerpool.Option) *handlerpool.Pool {
	t.Helper()
	p, err := handlerpool.New(size, func(int) (*upstream.Handler, error) {
		return upstream.NewHandler(), nil
	}, opts...)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetOrCreate(t *testing.T) {
	t.Run("Concurrent creations yield unique ids", func(t *testing.T) {
		reg := sessions.New(newPool(t, 4), sessions.WithLogger(quietLogger()))

		const n = 64
		ids := make(chan string, n)
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := reg.GetOrCreate("", sessions.WithBackendAddress("http://upstream.test"))
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				ids <- s.ID()
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[string]bool{}
		for id := range ids {
			if seen[id] {
				t.Fatalf("duplicate session id %q", id)
			}
			seen[id] = true
		}
		if want, got := n, reg.Len(); want != got {
			t.Fatalf("unexpected session count: want %d got %d", want, got)
		}
	})

	t.Run("Existing id returns the same session with a later lastAccess", func(t *testing.T) {
		clock := newFakeClock()
		reg := sessions.New(newPool(t, 2), sessions.WithClock(clock.Now), sessions.WithLogger(quietLogger()))

		first, err := reg.GetOrCreate("", sessions.WithBackendAddress("http://upstream.test"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if first.Initialized() {
			t.Fatalf("new sessions must start uninitialized")
		}
		before := first.LastAccess()

		clock.Advance(time.Second)
		second, err := reg.GetOrCreate(first.ID())
		if err != nil {
			t.Fatalf("get or create: %v", err)
		}
		if first != second {
			t.Fatalf("expected the same session object")
		}
		if first.Slot() != second.Slot() {
			t.Fatalf("expected the same handler slot")
		}
		if !second.LastAccess().After(before) {
			t.Fatalf("expected lastAccess to increase: before %v after %v", before, second.LastAccess())
		}
	})

	t.Run("Unknown caller id gets a fresh id", func(t *testing.T) {
		reg := sessions.New(newPool(t, 1),
			sessions.WithIDGenerator(func() string { return "generated" }),
			sessions.WithLogger(quietLogger()),
		)
		s, err := reg.GetOrCreate("chosen-by-caller")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if want, got := "generated", s.ID(); want != got {
			t.Fatalf("unexpected id: want %q got %q", want, got)
		}
	})

	t.Run("Metadata is copied in and out", func(t *testing.T) {
		reg := sessions.New(newPool(t, 1), sessions.WithLogger(quietLogger()))
		md := map[string]any{"tenant": "a"}
		s, err := reg.GetOrCreate("", sessions.WithMetadata(md))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		md["tenant"] = "b"
		out := s.Metadata()
		out["tenant"] = "c"
		if want, got := "a", s.Metadata()["tenant"]; want != got {
			t.Fatalf("unexpected metadata: want %v got %v", want, got)
		}
	})

	t.Run("Bounded pool exhaustion surfaces an error", func(t *testing.T) {
		reg := sessions.New(newPool(t, 1, handlerpool.WithMaxLeasesPerSlot(1)), sessions.WithLogger(quietLogger()))
		first, err := reg.GetOrCreate("")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := reg.GetOrCreate(""); !errors.Is(err, handlerpool.ErrPoolExhausted) {
			t.Fatalf("expected ErrPoolExhausted, got %v", err)
		}
		if !reg.Close(first.ID()) {
			t.Fatalf("expected close to report an existing session")
		}
		if _, err := reg.GetOrCreate(""); err != nil {
			t.Fatalf("expected a lease after close, got %v", err)
		}
	})
}

func TestGetAndClose(t *testing.T) {
	reg := sessions.New(newPool(t, 1), sessions.WithLogger(quietLogger()))

	if _, err := reg.Get("missing"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s, err := reg.GetOrCreate("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, err := reg.Get(s.ID()); err != nil || got != s {
		t.Fatalf("expected to find the session, got %v, %v", got, err)
	}

	if !reg.Close(s.ID()) {
		t.Fatalf("expected close to report an existing session")
	}
	if reg.Close(s.ID()) {
		t.Fatalf("second close must report false")
	}
	if want, got := upstream.StateClosed, s.Transport().State(); want != got {
		t.Fatalf("unexpected transport state: want %s got %s", want, got)
	}
}

func TestSweep(t *testing.T) {
	t.Run("Eviction is strict at the idle boundary", func(t *testing.T) {
		clock := newFakeClock()
		idle := 30 * time.Minute
		reg := sessions.New(newPool(t, 2),
			sessions.WithIdleTimeout(idle),
			sessions.WithClock(clock.Now),
			sessions.WithLogger(quietLogger()),
		)

		stale, _ := reg.GetOrCreate("")
		clock.Advance(2 * time.Millisecond)
		fresh, _ := reg.GetOrCreate("")

		now := stale.LastAccess().Add(idle + time.Millisecond)
		evicted := reg.Sweep(now)
		if want := []string{stale.ID()}; !slices.Equal(want, evicted) {
			t.Fatalf("unexpected evictions: want %v got %v", want, evicted)
		}

		if got := reg.Sweep(fresh.LastAccess().Add(idle - time.Millisecond)); len(got) != 0 {
			t.Fatalf("expected no evictions below the timeout, got %v", got)
		}
		if got := reg.Sweep(fresh.LastAccess().Add(idle)); len(got) != 0 {
			t.Fatalf("expected no evictions exactly at the timeout, got %v", got)
		}

		if _, err := reg.Get(stale.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("expected evicted session to be gone, got %v", err)
		}
		if want, got := upstream.StateClosed, stale.Transport().State(); want != got {
			t.Fatalf("unexpected transport state: want %s got %s", want, got)
		}
	})

	t.Run("Evicted initialized sessions are terminated upstream", func(t *testing.T) {
		backend := upstreamtest.New(t)
		clock := newFakeClock()
		reg := sessions.New(newPool(t, 1),
			sessions.WithIdleTimeout(time.Minute),
			sessions.WithClock(clock.Now),
			sessions.WithLogger(quietLogger()),
		)

		s, err := reg.GetOrCreate("", sessions.WithBackendAddress(backend.URL))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Transport().Initialize(t.Context()); err != nil {
			t.Fatalf("initialize: %v", err)
		}

		clock.Advance(2 * time.Minute)
		if got := reg.Sweep(clock.Now()); len(got) != 1 {
			t.Fatalf("expected one eviction, got %v", got)
		}

		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		if err := reg.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
		if want, got := []string{"backend-1"}, backend.Deleted(); !slices.Equal(want, got) {
			t.Fatalf("unexpected deletions: want %v got %v", want, got)
		}
	})

	t.Run("Run sweeps on its own interval", func(t *testing.T) {
		reg := sessions.New(newPool(t, 1),
			sessions.WithIdleTimeout(time.Millisecond),
			sessions.WithSweepInterval(5*time.Millisecond),
			sessions.WithLogger(quietLogger()),
		)
		if _, err := reg.GetOrCreate(""); err != nil {
			t.Fatalf("create: %v", err)
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- reg.Run(ctx) }()

		deadline := time.Now().Add(2 * time.Second)
		for reg.Len() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("sweeper did not evict the idle session")
			}
			time.Sleep(5 * time.Millisecond)
		}

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
	})
}

func TestList(t *testing.T) {
	clock := newFakeClock()
	reg := sessions.New(newPool(t, 2), sessions.WithClock(clock.Now), sessions.WithLogger(quietLogger()))

	a, _ := reg.GetOrCreate("", sessions.WithBackendAddress("http://a.test"))
	clock.Advance(time.Second)
	b, _ := reg.GetOrCreate("", sessions.WithBackendAddress("http://b.test"))

	list := reg.List()
	if want, got := 2, len(list); want != got {
		t.Fatalf("unexpected list size: want %d got %d", want, got)
	}
	if list[0].ID != a.ID() || list[1].ID != b.ID() {
		t.Fatalf("unexpected order: %v", list)
	}
	if want, got := "uninitialized", list[0].State; want != got {
		t.Fatalf("unexpected state: want %q got %q", want, got)
	}
	if list[0].Slot == list[1].Slot {
		t.Fatalf("expected round-robin slots, both on %d", list[0].Slot)
	}
}
