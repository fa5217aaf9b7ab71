package reconciler

// State is the phase a Reconciler is in.
type State int

const (
	Idle State = iota
	Resetting
	Reconfiguring
	Polling
	Converged
	TimedOut
	Validated
	Inconsistent
	// Failed is entered when the reconfiguration command, a reset or an
	// inventory listing returns an error.
	Failed
)

var stateNames = map[State]string{
	Idle:          "idle",
	Resetting:     "resetting",
	Reconfiguring: "reconfiguring",
	Polling:       "polling",
	Converged:     "converged",
	TimedOut:      "timed_out",
	Validated:     "validated",
	Inconsistent:  "inconsistent",
	Failed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether a Provision call ends in this state.
func (s State) Terminal() bool {
	switch s {
	case TimedOut, Validated, Inconsistent, Failed:
		return true
	}
	return false
}
