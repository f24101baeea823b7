package live

import "sync"

// State is the lifecycle state of a [SessionHandle].
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions except to [StateClosed] are
// possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// transitions lists the allowed edges of the session state machine.
var transitions = map[State][]State{
	StateIdle:    {StateOpening},
	StateOpening: {StateOpen, StateClosing, StateErrored},
	StateOpen:    {StateClosing, StateErrored},
	StateClosing: {StateClosed},
	StateErrored: {StateClosed},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine is the session state shared by every backend. The zero value is
// in [StateIdle]. It is safe for concurrent use.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to `to` if the edge is allowed and reports whether it did.
func (m *StateMachine) Transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, to) {
		return false
	}
	m.state = to
	return true
}

// TransitionFrom moves to `to` only if the current state is one of from.
// It returns the state observed before the call.
func (m *StateMachine) TransitionFrom(to State, from ...State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	for _, f := range from {
		if f == prev && CanTransition(prev, to) {
			m.state = to
			return prev, true
		}
	}
	return prev, false
}
