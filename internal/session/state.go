package session

import "fmt"

// State is a step of the listen, resolve, present and continue cycle.
type State string

const (
	Idle                 State = "idle"
	AwaitingSpeech       State = "awaiting_speech"
	Resolving            State = "resolving"
	Presenting           State = "presenting"
	AwaitingContinuation State = "awaiting_continuation"
	Terminated           State = "terminated"
)

var transitions = map[State][]State{
	Idle:                 {AwaitingSpeech, Terminated},
	AwaitingSpeech:       {Resolving, AwaitingContinuation},
	Resolving:            {Presenting, AwaitingContinuation},
	Presenting:           {AwaitingContinuation},
	AwaitingContinuation: {AwaitingSpeech, Terminated},
}

// CanTransition reports whether the machine may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether a cycle is in flight.
func (s State) Active() bool {
	switch s {
	case AwaitingSpeech, Resolving, Presenting:
		return true
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.from, e.to)
}
