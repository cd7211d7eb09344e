package redis_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-session-gateway/affinity"
	"github.com/ggoodman/mcp-session-gateway/affinity/redis"
)

func newStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := redis.New(redis.Config{
		Client:    goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		KeyPrefix: "test:",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	s, mr := newStore(t)
	ctx := t.Context()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !affinity.IsShared(s) {
		t.Fatalf("redis store must report itself as shared")
	}

	if _, ok, err := s.Get(ctx, "caller-1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, "caller-1", "sess-1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mr.Exists("test:caller-1") {
		t.Fatalf("expected prefixed key in redis")
	}
	if want, got := time.Minute, mr.TTL("test:caller-1"); want != got {
		t.Fatalf("unexpected ttl: want %v got %v", want, got)
	}

	got, ok, err := s.Get(ctx, "caller-1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if want := "sess-1"; want != got {
		t.Fatalf("unexpected session: want %q got %q", want, got)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "caller-1"); ok {
		t.Fatalf("expected entry to have expired")
	}

	_ = s.Put(ctx, "caller-2", "sess-2", 0)
	if err := s.Delete(ctx, "caller-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "caller-2"); ok {
		t.Fatalf("expected entry to be deleted")
	}
}

func TestStoreReportsBackendFailures(t *testing.T) {
	s, mr := newStore(t)
	mr.SetError("READONLY")
	if _, _, err := s.Get(t.Context(), "caller"); err == nil {
		t.Fatalf("expected redis error to surface")
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := redis.New(redis.Config{}); err == nil {
		t.Fatalf("expected error without a client")
	}
}
