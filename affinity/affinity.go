// Package affinity maps correlation keys chosen by protocol-native callers
// to gateway session ids.
//
// Callers that cannot carry the gateway's own session id (for example clients
// that invent their own Mcp-Session-Id or only send X-Request-ID) are pinned
// to one gateway session through this mapping. Entries expire after a TTL,
// normally the registry idle timeout.
package affinity

import (
	"context"
	"time"
)

// Store persists key -> session id mappings.
type Store interface {
	// Get returns the session id for key. The bool is false when the key is
	// absent or expired; the error is reserved for storage failures.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put maps key to sessionID for ttl. A ttl <= 0 never expires.
	Put(ctx context.Context, key, sessionID string, ttl time.Duration) error

	// Delete removes the mapping for key, if any.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Shared is implemented by stores that several gateway replicas read and
// write. A mapping whose session is unknown to one replica may still belong
// to another, so it is left for the TTL to expire.
type Shared interface {
	Shared() bool
}

// IsShared reports whether s is visible to other replicas.
func IsShared(s Store) bool {
	sh, ok := s.(Shared)
	return ok && sh.Shared()
}
