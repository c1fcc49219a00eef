package domain

import "fmt"

// Phase identifies one of the two occupancy transitions.
type Phase string

const (
	PhaseArrival   Phase = "ARRIVAL"
	PhaseDeparture Phase = "DEPARTURE"
)

// ParsePhase converts a raw value into a Phase, rejecting anything else.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseArrival, PhaseDeparture:
		return Phase(s), nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseArrival, PhaseDeparture:
		return true
	}
	return false
}

// State is the derived occupancy state of a reservation.
type State string

const (
	StateNone       State = "NONE"
	StateCheckedIn  State = "CHECKED_IN"
	StateCheckedOut State = "CHECKED_OUT"
)

// DeriveState computes the state from which phase events exist.
func DeriveState(hasArrival, hasDeparture bool) State {
	switch {
	case hasDeparture:
		return StateCheckedOut
	case hasArrival:
		return StateCheckedIn
	default:
		return StateNone
	}
}
