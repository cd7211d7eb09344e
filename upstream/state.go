package upstream

// State is the lifecycle state of a Transport.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateObserver is notified after every transport state transition. It is
// called outside of the transport's locks.
type StateObserver func(t *Transport, from, to State)
