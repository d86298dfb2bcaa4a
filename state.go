package offload

import "fmt"

// State is the lifecycle state of a rule.
type State int32

const (
	StateParsing State = iota
	StateValid
	StateUnsupported
	StateOffloaded
	StateNotReady
	StateFailed
	StateDeleting
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateValid:
		return "valid"
	case StateUnsupported:
		return "unsupported"
	case StateOffloaded:
		return "offloaded"
	case StateNotReady:
		return "not_ready"
	case StateFailed:
		return "failed"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateUnsupported || s == StateFailed || s == StateDeleted
}

var transitions = map[State][]State{
	StateParsing:   {StateValid, StateUnsupported},
	StateValid:     {StateOffloaded, StateNotReady, StateFailed},
	StateNotReady:  {StateOffloaded, StateFailed, StateDeleting},
	StateOffloaded: {StateDeleting},
	StateDeleting:  {StateDeleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
