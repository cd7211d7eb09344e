// Package handlerpool holds a fixed set of protocol handlers that sessions
// are bound to round robin.
//
// All slots are built when the pool is constructed and live until the
// process exits. Handlers are never evicted. In the bounded variant each slot
// accepts at most a fixed number of concurrent leases and assignment fails
// with ErrPoolExhausted once every slot is full.
package handlerpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-gateway/upstream"
)

// DefaultSize is the number of slots used when New is given a size <= 0.
const DefaultSize = 10

// ErrPoolExhausted is returned by AssignNext when every slot of a bounded
// pool is at capacity.
var ErrPoolExhausted = errors.New("handler pool exhausted")

// Factory builds the handler for slot id.
type Factory func(id int) (*upstream.Handler, error)

// Slot is a pool entry. Slots are shared; sessions hold non-owning
// references to them.
type Slot struct {
	ID      int
	Handler *upstream.Handler
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacityPerSlot,omitzero"`
	Leases   []int `json:"leases"`
}

type Pool struct {
	slots    []*Slot
	maxLease int

	mu      sync.Mutex
	counter uint64
	leases  []int
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxLeasesPerSlot bounds the number of live sessions per slot. Zero
// leaves slots unbounded.
func WithMaxLeasesPerSlot(n int) Option {
	return func(p *Pool) { p.maxLease = n }
}

// New builds every slot up front. A factory error aborts construction.
func New(size int, factory Factory, opts ...Option) (*Pool, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if factory == nil {
		return nil, errors.New("handlerpool: factory is required")
	}

	p := &Pool{
		slots:  make([]*Slot, size),
		leases: make([]int, size),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxLease < 0 {
		return nil, fmt.Errorf("handlerpool: invalid max leases per slot %d", p.maxLease)
	}

	for i := range size {
		h, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("handlerpool: build slot %d: %w", i, err)
		}
		if h == nil {
			return nil, fmt.Errorf("handlerpool: factory returned nil handler for slot %d", i)
		}
		p.slots[i] = &Slot{ID: i, Handler: h}
	}
	return p, nil
}

// AssignNext returns the slot at counter % N and advances the counter. In a
// bounded pool the search continues from that index to the first slot with
// spare capacity.
func (p *Pool) AssignNext() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := uint64(len(p.slots))
	start := p.counter % n
	p.counter++

	if p.maxLease == 0 {
		p.leases[start]++
		return p.slots[start], nil
	}

	for i := range n {
		idx := (start + i) % n
		if p.leases[idx] < p.maxLease {
			p.leases[idx]++
			return p.slots[idx], nil
		}
	}
	return nil, ErrPoolExhausted
}

// Release returns the lease taken by AssignNext.
func (p *Pool) Release(s *Slot) {
	if s == nil || s.ID < 0 || s.ID >= len(p.slots) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases[s.ID] > 0 {
		p.leases[s.ID]--
	}
}

// Slots returns the slots in id order.
func (p *Pool) Slots() []*Slot {
	return append([]*Slot(nil), p.slots...)
}

func (p *Pool) Size() int { return len(p.slots) }

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:     len(p.slots),
		Capacity: p.maxLease,
		Leases:   append([]int(nil), p.leases...),
	}
}
