// Package memory is an in-process affinity.Store bounded by an LRU.
package memory

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMaxEntries = 10_000

type entry struct {
	sessionID string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store keeps at most maxEntries mappings; the least recently used mapping
// is dropped first.
type Store struct {
	cache *lru.Cache[string, entry]
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store. maxEntries <= 0 selects DefaultMaxEntries.
func New(maxEntries int, opts ...Option) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	cache, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Store{cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := s.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	if e.expired(s.now()) {
		s.cache.Remove(key)
		return "", false, nil
	}
	return e.sessionID, true, nil
}

func (s *Store) Put(_ context.Context, key, sessionID string, ttl time.Duration) error {
	e := entry{sessionID: sessionID}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, e)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len reports the number of mappings, including expired ones not yet
// observed.
func (s *Store) Len() int { return s.cache.Len() }

func (s *Store) Close() error {
	s.cache.Purge()
	return nil
}
