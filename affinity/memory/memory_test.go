package memory_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/affinity"
	"github.com/ggoodman/mcp-session-gateway/affinity/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStore(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s, err := memory.New(2, memory.WithClock(c.Now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	ctx := t.Context()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, "caller-1", "sess-1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "caller-1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if want := "sess-1"; want != got {
		t.Fatalf("unexpected session: want %q got %q", want, got)
	}

	t.Run("Entries expire after their ttl", func(t *testing.T) {
		c.Advance(time.Minute + time.Second)
		if _, ok, _ := s.Get(ctx, "caller-1"); ok {
			t.Fatalf("expected entry to have expired")
		}
	})

	t.Run("Least recently used entries are evicted", func(t *testing.T) {
		_ = s.Put(ctx, "a", "sa", 0)
		_ = s.Put(ctx, "b", "sb", 0)
		_, _, _ = s.Get(ctx, "a")
		_ = s.Put(ctx, "c", "sc", 0)

		if _, ok, _ := s.Get(ctx, "b"); ok {
			t.Fatalf("expected b to be evicted")
		}
		if _, ok, _ := s.Get(ctx, "a"); !ok {
			t.Fatalf("expected a to survive")
		}
	})

	t.Run("Delete removes the mapping", func(t *testing.T) {
		_ = s.Delete(ctx, "a")
		if _, ok, _ := s.Get(ctx, "a"); ok {
			t.Fatalf("expected a to be deleted")
		}
	})
}

func TestStoreIsLocal(t *testing.T) {
	s, err := memory.New(1)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if affinity.IsShared(s) {
		t.Fatalf("in-memory store must not report itself as shared")
	}
}
