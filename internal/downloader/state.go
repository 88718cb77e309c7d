package downloader

import "fmt"

// State is the lifecycle state of the orchestrator.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateFetching
	StateAssembling
	StateValidating
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StatePlanning:   "planning",
	StateFetching:   "fetching",
	StateAssembling: "assembling",
	StateValidating: "validating",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateCancelled:  "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists every legal state change.
var transitions = map[State][]State{
	StateIdle:       {StatePlanning},
	StatePlanning:   {StateFetching, StateFailed, StateCancelled},
	StateFetching:   {StateAssembling, StateFailed, StateCancelled},
	StateAssembling: {StateValidating, StateFailed, StateCancelled},
	StateValidating: {StateCompleted, StateFailed},
	StateCompleted:  {StateIdle},
	StateFailed:     {StateIdle},
	StateCancelled:  {StateIdle},
}

// CanTransition reports whether the orchestrator may move from s to to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a transfer.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether a transfer is in progress in state s.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// TransitionError is returned for a state change the table does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("downloader: illegal transition %s -> %s", e.From, e.To)
}
