// Package lifecycle tracks a plugin's coarse state and validates the
// transitions the dispatcher asks for.
package lifecycle

import (
	"fmt"
	"sync"
)

// State is the plugin's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
)

var stateNames = map[State]string{
	Uninitialized: "uninitialized",
	Initialized:   "initialized",
	Running:       "running",
	Stopped:       "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AllStates lists every state name, in lifecycle order.
func AllStates() []string {
	return []string{
		Uninitialized.String(),
		Initialized.String(),
		Running.String(),
		Stopped.String(),
	}
}

// Event is a requested state change.
type Event string

const (
	Initialize Event = "initialize"
	Start      Event = "start"
	Stop       Event = "stop"
)

// transitions is the only place legal moves are defined. Stopped is
// terminal. Running -> Running lets a repeated start reach the plugin.
var transitions = map[Event]map[State]State{
	Initialize: {
		Uninitialized: Initialized,
	},
	Start: {
		Initialized: Running,
		Running:     Running,
	},
	Stop: {
		Initialized: Stopped,
		Running:     Stopped,
	},
}

// TransitionError is returned when an event is not legal in the current
// state.
type TransitionError struct {
	Event Event
	From  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s plugin in state %s", e.Event, e.From)
}

// ChangeFunc observes a completed transition.
type ChangeFunc func(from, to State)

// Machine is the single lifecycle state for a plugin process. State reads
// are cheap and concurrent; transitions are serialized by a gate that is
// held across the plugin call, so two connections cannot both act on the
// same observed state.
type Machine struct {
	gate sync.Mutex

	mu       sync.RWMutex
	state    State
	onChange []ChangeFunc
}

// New creates a Machine in the Uninitialized state.
func New() *Machine {
	return &Machine{state: Uninitialized}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Can reports whether event is legal right now. The answer may be stale by
// the time the caller acts on it; use Transition to act.
func (m *Machine) Can(event Event) bool {
	_, err := next(event, m.State())
	return err == nil
}

// OnChange registers fn to be called after each successful transition.
func (m *Machine) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Transition validates event against the current state and, if legal, runs
// fn. The state advances only when fn returns nil. An illegal event returns
// a *TransitionError and fn is not called. fn runs without the state lock
// held, so State stays readable while the plugin works.
func (m *Machine) Transition(event Event, fn func() error) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	from := m.State()
	to, err := next(event, from)
	if err != nil {
		return err
	}

	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.state = to
	observers := append([]ChangeFunc(nil), m.onChange...)
	m.mu.Unlock()

	for _, observe := range observers {
		observe(from, to)
	}
	return nil
}

func next(event Event, from State) (State, error) {
	to, ok := transitions[event][from]
	if !ok {
		return from, &TransitionError{Event: event, From: from}
	}
	return to, nil
}
