package gateway

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the protocol state of a session.
type State int32

const (
	AwaitingHandshake State = iota
	Ready
	Dispatching
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Ready:
		return "ready"
	case Dispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// Session is the protocol state of one client connection. An HTTP request
// gets a fresh session; a WebSocket connection keeps one for its lifetime.
// The handshake is optional: a session that skips initialize still serves
// tools/list and tools/call.
type Session struct {
	credential string
	sandbox    string

	state    atomic.Int32
	inflight atomic.Int32

	mu      sync.Mutex
	version string
	cancels map[string]context.CancelFunc
}

// NewSession creates a session for a bearer credential. sandbox selects the
// workspace scope for tool calls; empty uses the dispatcher default.
func NewSession(credential, sandbox string) *Session {
	return &Session{
		credential: credential,
		sandbox:    sandbox,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// ProtocolVersion returns the negotiated version, or "" before initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) initialized(version string) {
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
	if s.inflight.Load() == 0 {
		s.state.CompareAndSwap(int32(AwaitingHandshake), int32(Ready))
	}
}

func (s *Session) begin() {
	s.inflight.Add(1)
	s.state.Store(int32(Dispatching))
}

func (s *Session) end() {
	if s.inflight.Add(-1) == 0 {
		s.state.CompareAndSwap(int32(Dispatching), int32(Ready))
	}
}

// track registers cancel for an in-flight request so a cancellation
// notification can reach it.
func (s *Session) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *Session) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}

// cancel aborts the in-flight request with id, reporting whether one existed.
func (s *Session) cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
