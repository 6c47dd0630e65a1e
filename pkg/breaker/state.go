package breaker

// State is the position of a breaker in its state machine.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event drives a transition.
type Event uint8

const (
	// EventThresholdReached fires when consecutive failures reach the threshold.
	EventThresholdReached Event = iota
	// EventResetTimeoutElapsed fires on the first call after the reset timeout.
	EventResetTimeoutElapsed
	EventTrialSucceeded
	EventTrialFailed
)

func (e Event) String() string {
	switch e {
	case EventThresholdReached:
		return "threshold_reached"
	case EventResetTimeoutElapsed:
		return "reset_timeout_elapsed"
	case EventTrialSucceeded:
		return "trial_succeeded"
	case EventTrialFailed:
		return "trial_failed"
	default:
		return "unknown"
	}
}

// transition is the whole state machine. ok is false when the event does
// not apply to the state, in which case the state is unchanged.
func transition(s State, e Event) (next State, ok bool) {
	switch {
	case s == Closed && e == EventThresholdReached:
		return Open, true
	case s == Open && e == EventResetTimeoutElapsed:
		return HalfOpen, true
	case s == HalfOpen && e == EventTrialSucceeded:
		return Closed, true
	case s == HalfOpen && e == EventTrialFailed:
		return Open, true
	default:
		return s, false
	}
}
