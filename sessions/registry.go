// Package sessions tracks live gateway sessions: it mints their ids, binds
// each one to a handler slot, records last access and evicts sessions that
// sit idle for longer than the configured timeout.
//
// The registry never performs I/O while holding its lock. Tearing down a
// session marks its transport closed synchronously; the upstream DELETE that
// releases the back-end session runs in the background with a bounded
// timeout.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/google/uuid"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	defaultTerminateTimeout = 10 * time.Second
)

// ErrSessionNotFound is returned for ids that do not name a live session.
var ErrSessionNotFound = errors.New("session not found")

// Registry owns every live session.
type Registry struct {
	pool             *handlerpool.Pool
	idleTimeout      time.Duration
	sweepInterval    time.Duration
	terminateTimeout time.Duration
	log              *slog.Logger
	now              func() time.Time
	newID            func() string

	mu       sync.Mutex
	sessions map[string]*Session

	terminations sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout sets how long a session may go untouched before a sweep
// evicts it.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval sets the period of Run.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithTerminateTimeout bounds the background DELETE sent when a session is
// torn down.
func WithTerminateTimeout(d time.Duration) Option {
	return func(r *Registry) { r.terminateTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces the UUID v4 generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New returns an empty registry drawing handler slots from pool.
func New(pool *handlerpool.Pool, opts ...Option) *Registry {
	r := &Registry{
		pool:     pool,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.applyDefaults()
	return r
}

func (r *Registry) applyDefaults() {
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.terminateTimeout <= 0 {
		r.terminateTimeout = defaultTerminateTimeout
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
}

// Pool is the handler pool sessions are bound to.
func (r *Registry) Pool() *handlerpool.Pool { return r.pool }

// IdleTimeout is the eviction threshold.
func (r *Registry) IdleTimeout() time.Duration { return r.idleTimeout }

type createOptions struct {
	backendAddress string
	metadata       map[string]any
}

// CreateOption configures a session created by GetOrCreate.
type CreateOption func(*createOptions)

// WithBackendAddress sets the resolved upstream URL of a new session.
func WithBackendAddress(addr string) CreateOption {
	return func(o *createOptions) { o.backendAddress = addr }
}

// WithMetadata attaches opaque caller metadata to a new session. The map is
// copied.
func WithMetadata(md map[string]any) CreateOption {
	return func(o *createOptions) { o.metadata = maps.Clone(md) }
}

// GetOrCreate returns the live session named by id with its last access
// refreshed. When id is empty or unknown a new session is created under a
// freshly generated id; caller-chosen ids are never adopted. Create options
// are ignored for existing sessions.
func (r *Registry) GetOrCreate(id string, opts ...CreateOption) (*Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if s, ok := r.sessions[id]; ok {
			s.touch(now)
			return s, nil
		}
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	slot, err := r.pool.AssignNext()
	if err != nil {
		r.log.Warn("session.create.fail", slog.String("err", err.Error()))
		return nil, err
	}

	newID := r.newID()
	for r.sessions[newID] != nil {
		newID = r.newID()
	}

	s := &Session{
		id:             newID,
		backendAddress: o.backendAddress,
		createdAt:      now,
		slot:           slot,
		transport:      slot.Handler.NewTransport(o.backendAddress, newID),
		metadata:       o.metadata,
		lastAccess:     now,
	}
	r.sessions[newID] = s

	r.log.Info("session.create.ok",
		slog.String("session_id", newID),
		slog.Int("slot", slot.ID),
		slog.String("backend", o.backendAddress),
	)
	return s, nil
}

// Get returns the live session named by id and refreshes its last access.
func (r *Registry) Get(id string) (*Session, error) {
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(now)
	return s, nil
}

// Close removes the session and tears it down. It reports whether the
// session existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.teardown(s)
	r.log.Info("session.close.ok", slog.String("session_id", id))
	return true
}

// Sweep evicts every session idle for strictly longer than the idle timeout
// as of now, and returns the evicted ids in sorted order.
func (r *Registry) Sweep(now time.Time) []string {
	var evicted []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.idleSince(now) > r.idleTimeout {
			evicted = append(evicted, s)
			delete(r.sessions, id)
		}
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		r.teardown(s)
		ids = append(ids, s.id)
	}
	slices.Sort(ids)

	if len(ids) > 0 {
		r.log.Info("registry.sweep",
			slog.Int("evicted", len(ids)),
			slog.Int("remaining", remaining),
		)
	}
	return ids
}

// Run sweeps at the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.log.InfoContext(ctx, "registry.sweeper.start",
		slog.Duration("interval", r.sweepInterval),
		slog.Duration("idle_timeout", r.idleTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "registry.sweeper.stop")
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// List returns snapshots of every live session ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	live := slices.Collect(maps.Values(r.sessions))
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session and waits for background terminations to
// finish or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	live := slices.Collect(maps.Values(r.sessions))
	clear(r.sessions)
	r.mu.Unlock()

	for _, s := range live {
		r.teardown(s)
	}

	done := make(chan struct{})
	go func() {
		r.terminations.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) teardown(s *Session) {
	backendID, open := s.transport.Close()
	r.pool.Release(s.slot)
	if !open {
		return
	}

	r.terminations.Add(1)
	go func() {
		defer r.terminations.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.terminateTimeout)
		defer cancel()
		if err := s.slot.Handler.Terminate(ctx, s.backendAddress, backendID); err != nil {
			r.log.Warn("session.terminate.fail",
				slog.String("session_id", s.id),
				slog.String("err", err.Error()),
			)
		}
	}()
}
