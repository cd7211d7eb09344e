package sessions

import (
	"maps"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/upstream"
)

// Session is one gateway session. The handler binding and transport are
// fixed for its whole lifetime.
type Session struct {
	id             string
	backendAddress string
	createdAt      time.Time
	slot           *handlerpool.Slot
	transport      *upstream.Transport
	metadata       map[string]any

	mu         sync.Mutex
	lastAccess time.Time
}

func (s *Session) ID() string { return s.id }

// BackendAddress is the resolved upstream URL.
func (s *Session) BackendAddress() string { return s.backendAddress }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Slot is the handler slot the session is bound to.
func (s *Session) Slot() *handlerpool.Slot { return s.slot }

func (s *Session) Transport() *upstream.Transport { return s.transport }

// Initialized reports whether the session's transport is READY.
func (s *Session) Initialized() bool { return s.transport.Initialized() }

// BackendSessionID is the id the back end knows this session by.
func (s *Session) BackendSessionID() string { return s.transport.BackendSessionID() }

func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Metadata returns a copy of the caller-supplied metadata.
func (s *Session) Metadata() map[string]any {
	return maps.Clone(s.metadata)
}

// touch advances lastAccess. Clocks that step backwards never move it back.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastAccess) {
		s.lastAccess = now
	}
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastAccess)
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID               string         `json:"id"`
	BackendAddress   string         `json:"backendAddress"`
	BackendSessionID string         `json:"backendSessionId,omitempty"`
	Initialized      bool           `json:"initialized"`
	State            string         `json:"state"`
	Slot             int            `json:"slot"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastAccess       time.Time      `json:"lastAccess"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	state := s.transport.State()
	return Snapshot{
		ID:               s.id,
		BackendAddress:   s.backendAddress,
		BackendSessionID: s.transport.BackendSessionID(),
		Initialized:      state == upstream.StateReady,
		State:            state.String(),
		Slot:             s.slot.ID,
		CreatedAt:        s.createdAt,
		LastAccess:       s.LastAccess(),
		Metadata:         s.Metadata(),
	}
}
