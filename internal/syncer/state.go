package syncer

import (
	"errors"
	"fmt"
)

// State is a phase of the per-user sync cycle.
type State int

const (
	Idle State = iota
	Checking
	NoDiff
	AwaitingDecision
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case NoDiff:
		return "no_diff"
	case AwaitingDecision:
		return "awaiting_decision"
	case Applying:
		return "applying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrIllegalTransition indicates a bug in the engine's sequencing.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	Idle:             {Checking},
	Checking:         {NoDiff, AwaitingDecision, Idle},
	NoDiff:           {Idle},
	AwaitingDecision: {Applying, Idle},
	Applying:         {Idle},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type machine struct {
	state State
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	m.state = next
	return nil
}

// must performs a transition the engine's own sequencing guarantees.
func (m *machine) must(next State) {
	if err := m.to(next); err != nil {
		panic(err)
	}
}
