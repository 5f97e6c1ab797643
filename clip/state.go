package clip

// State represents the lifecycle state of a clip record.
type State int

const (
	// StateUnloaded is the initial state and the resettable terminal a
	// record returns to on unload.
	StateUnloaded State = iota
	// StatePreparing indicates a fetch attempt is in flight.
	StatePreparing
	// StateLoaded indicates the clip's audio is fully resident in the sink.
	StateLoaded
	// StateError indicates the last attempt failed.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StatePreparing:
		return "preparing"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a fetch attempt.
func (s State) Terminal() bool {
	return s == StateLoaded || s == StateError
}

// stateMachine validates lifecycle transitions for a single record.
// Within one fetch attempt the visited states are a strict subsequence of
// [Unloaded, Preparing, {Loaded|Error}]; the direct Unloaded->Loaded edge
// exists only for the empty-text shortcut, which performs no I/O, and the
// Preparing->Unloaded edge is the cancellation path.
type stateMachine struct {
	current     State
	transitions map[State][]State
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		current: StateUnloaded,
		transitions: map[State][]State{
			StateUnloaded:  {StatePreparing, StateLoaded},
			StatePreparing: {StateLoaded, StateError, StateUnloaded},
			StateLoaded:    {StateUnloaded},
			StateError:     {StateUnloaded},
		},
	}
}

// transition attempts to move to the given state and reports success.
func (m *stateMachine) transition(to State) bool {
	for _, next := range m.transitions[m.current] {
		if next == to {
			m.current = to
			return true
		}
	}
	return false
}

func (m *stateMachine) state() State {
	return m.current
}
