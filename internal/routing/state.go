// Package routing decides which processing tier a request runs in and
// drives it from intake to a sanitized response.
//
// The privileged tier never receives the caller's text: its handler input
// carries only a Derived value, which is built by a Deriver from the
// validated request.
package routing

import (
	"errors"
	"fmt"

	"github.com/triage-ai/warden/internal/validator"
)

// State is a step of the request lifecycle.
type State int

const (
	Intake State = iota
	Validating
	Blocked
	Quarantined
	Privileged
	Sanitizing
	Done
)

var stateNames = [...]string{
	Intake:      "intake",
	Validating:  "validating",
	Blocked:     "blocked",
	Quarantined: "quarantined",
	Privileged:  "privileged",
	Sanitizing:  "sanitizing",
	Done:        "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTier reports whether s is one of the three processing tiers.
func (s State) IsTier() bool {
	return s == Blocked || s == Quarantined || s == Privileged
}

var transitions = map[State][]State{
	Intake:      {Validating},
	Validating:  {Blocked, Quarantined, Privileged},
	Blocked:     {Sanitizing},
	Quarantined: {Sanitizing},
	Privileged:  {Sanitizing},
	Sanitizing:  {Done},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned by Machine.To for an illegal step.
var ErrInvalidTransition = errors.New("invalid state transition")

// Machine tracks one request's position and the states it passed through.
type Machine struct {
	state State
	trace []State
}

func NewMachine() *Machine {
	return &Machine{state: Intake, trace: []State{Intake}}
}

// To moves to next, rejecting illegal transitions.
func (m *Machine) To(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}

func (m *Machine) State() State { return m.state }

// Trace returns the visited states in order.
func (m *Machine) Trace() []State {
	out := make([]State, len(m.trace))
	copy(out, m.trace)
	return out
}

// Decide maps a validation result to its tier: blocked results are
// BLOCKED, results needing quarantine are QUARANTINED, and everything else
// is PRIVILEGED.
func Decide(r validator.Result) State {
	switch {
	case r.IsBlocked:
		return Blocked
	case r.RequiresQuarantine:
		return Quarantined
	default:
		return Privileged
	}
}
