package feed

import "sync/atomic"

// ConnectionState tracks where the feed sits in its connection lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateClosing
	// StateFaulted is terminal: the reconnect loop never enters it. It is
	// reserved for failures that retrying cannot resolve.
	StateFaulted
)

// Connected reports whether the feed holds a live subscription. Transient
// states (connecting, backoff between attempts) count as disconnected.
func (s ConnectionState) Connected() bool {
	return s == StateSubscribed || s == StateStreaming
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

type stateTracker struct {
	state atomic.Int32
}

func (t *stateTracker) set(s ConnectionState) {
	t.state.Store(int32(s))
}

func (t *stateTracker) get() ConnectionState {
	return ConnectionState(t.state.Load())
}
