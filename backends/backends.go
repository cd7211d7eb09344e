// Package backends maps caller-supplied backend addresses to upstream URLs.
//
// An address is either an absolute http(s) URL or the name of a configured
// backend. An empty address selects the default backend.
package backends

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrUnknownBackend is returned for names that are neither configured nor
	// a URL.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrNoBackend is returned for an empty address when no default exists.
	ErrNoBackend = errors.New("no backend address given and no default configured")
	// ErrInvalidAddress is returned for malformed or non-http(s) URLs.
	ErrInvalidAddress = errors.New("invalid backend address")
)

// Resolver turns a backend address into an upstream URL.
type Resolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// ValidateURL checks that raw is an absolute http or https URL with a host
// and returns it normalized.
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}
	return u.String(), nil
}

// Static resolves against a fixed set of named backends.
type Static struct {
	named map[string]string
	def   string
}

// NewStatic validates every named URL. def may be a name, a URL or empty.
func NewStatic(named map[string]string, def string) (*Static, error) {
	s := &Static{named: make(map[string]string, len(named)), def: strings.TrimSpace(def)}
	for name, raw := range named {
		u, err := ValidateURL(raw)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		s.named[name] = u
	}
	if s.def != "" {
		if _, err := s.lookup(s.def); err != nil {
			return nil, fmt.Errorf("default backend: %w", err)
		}
	}
	return s, nil
}

func (s *Static) Resolve(_ context.Context, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		if s.def == "" {
			return "", ErrNoBackend
		}
		address = s.def
	}
	return s.lookup(address)
}

// Names returns the configured backend names.
func (s *Static) Names() []string {
	names := make([]string, 0, len(s.named))
	for name := range s.named {
		names = append(names, name)
	}
	return names
}

func (s *Static) lookup(address string) (string, error) {
	if u, ok := s.named[address]; ok {
		return u, nil
	}
	if strings.Contains(address, "://") {
		return ValidateURL(address)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, address)
}
