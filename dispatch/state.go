package dispatch

// State tracks an inbound envelope through the dispatch pipeline. Every
// envelope ends in exactly one terminal state.
type State int

// Pipeline states, in order.
const (
	StateReceived State = iota
	StateParsed
	StateRouted
	StateValidated
	StateExecuting
	StateCompleted
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateParsed:
		return "parsed"
	case StateRouted:
		return "routed"
	case StateValidated:
		return "validated"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the pipeline.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
