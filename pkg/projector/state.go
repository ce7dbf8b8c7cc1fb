package projector

import "time"

// Kind tags the variant of a presented state.
type Kind int

const (
	Idle Kind = iota
	Loading
	Error
	Loaded
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Error:
		return "error"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Signal is an input to the state machine.
type Signal int

const (
	// Start begins a load for the current input.
	Start Signal = iota
	// Success completes the current load with a payload.
	Success
	// Failure completes the current load with a message.
	Failure
	// Retry restarts a failed load.
	Retry
	// Refresh reloads a loaded payload.
	Refresh
)

func (s Signal) String() string {
	switch s {
	case Start:
		return "start"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Retry:
		return "retry"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// State is the presented state of one projector. Payload is meaningful only
// when HasPayload is set; Message only in the Error variant. Generation
// increases every time a load starts.
type State[P any] struct {
	Kind       Kind
	Payload    P
	HasPayload bool
	Message    string
	Generation uint64
	UpdatedAt  time.Time
}

// Stale reports a load in progress that still carries the previous payload.
func (s State[P]) Stale() bool {
	return s.Kind == Loading && s.HasPayload
}

// Next returns the successor of current for signal. It is total: pairs
// without a transition return current unchanged. Entering Loading bumps the
// generation and keeps the payload only when preserve is set. Loading on
// Start, Retry or Refresh restarts with a new generation, which supersedes
// the load in flight.
func Next[P any](current State[P], signal Signal, payload P, message string, preserve bool) State[P] {
	switch current.Kind {
	case Idle:
		if signal == Start {
			return loading(current, preserve)
		}
	case Loading:
		switch signal {
		case Start, Retry, Refresh:
			return loading(current, preserve)
		case Success:
			return State[P]{Kind: Loaded, Payload: payload, HasPayload: true, Generation: current.Generation}
		case Failure:
			next := State[P]{Kind: Error, Message: message, Generation: current.Generation}
			if preserve && current.HasPayload {
				next.Payload, next.HasPayload = current.Payload, true
			}
			return next
		}
	case Loaded:
		if signal == Start || signal == Refresh {
			return loading(current, preserve)
		}
	case Error:
		if signal == Start || signal == Retry {
			return loading(current, preserve)
		}
	}
	return current
}

func loading[P any](current State[P], preserve bool) State[P] {
	next := State[P]{Kind: Loading, Generation: current.Generation + 1}
	if preserve && current.HasPayload {
		next.Payload, next.HasPayload = current.Payload, true
	}
	return next
}
