// Package occupancy guards the ARRIVAL and DEPARTURE transitions of a
// reservation. State is never stored; it is derived from the event rows.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/store"
	"checkin-backend/internal/token"
)

// Redeemer redeems presented credentials.
type Redeemer interface {
	Redeem(ctx context.Context, wireForm string, want token.Expect) (token.Validated, error)
}

// EvidenceGate confirms the evidence minimum for a phase.
type EvidenceGate interface {
	Require(ctx context.Context, reservationID string, phase domain.Phase) error
}

// Dispatcher receives events after their transaction commits.
type Dispatcher interface {
	Dispatch(e model.OccupancyEvent)
}

// ArriveRequest asks for a reservation to be checked in.
type ArriveRequest struct {
	ReservationID string
	SubjectID     string
	Credential    string
}

// DepartRequest asks for a reservation to be checked out. The credential
// is optional.
type DepartRequest struct {
	ReservationID string
	SubjectID     string
	Credential    string
}

// Status is the derived state of a reservation.
type Status struct {
	ReservationID string       `json:"reservationId"`
	State         domain.State `json:"state"`
	HasArrival    bool         `json:"hasArrival"`
	HasDeparture  bool         `json:"hasDeparture"`
	ArrivalAt     *time.Time   `json:"arrivalAt,omitempty"`
	DepartureAt   *time.Time   `json:"departureAt,omitempty"`
}

// Machine performs transitions. Each transition runs in one transaction:
// a transition that fails after redemption leaves the credential unused.
type Machine struct {
	store      store.Store
	redeemer   Redeemer
	gate       EvidenceGate
	clock      clock.Clock
	dispatcher Dispatcher
}

// Option configures a Machine.
type Option func(*Machine)

// WithDispatcher sets where committed events are sent.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) { m.dispatcher = d }
}

// NewMachine creates a Machine.
func NewMachine(s store.Store, r Redeemer, g EvidenceGate, clk clock.Clock, opts ...Option) *Machine {
	m := &Machine{store: s, redeemer: r, gate: g, clock: clk}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Arrive checks the reservation in. It requires state NONE and an unused
// ARRIVAL credential for the same reservation.
func (m *Machine) Arrive(ctx context.Context, req ArriveRequest) (*model.OccupancyEvent, error) {
	if req.ReservationID == "" || req.Credential == "" {
		return nil, fmt.Errorf("%w: reservation and credential are required", domain.ErrMalformed)
	}

	var created *model.OccupancyEvent
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		arrival, departure, err := m.events(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if arrival != nil {
			return conflict(req.ReservationID, domain.PhaseArrival, arrival, departure, "already checked in", arrival)
		}
		if departure != nil {
			return conflict(req.ReservationID, domain.PhaseArrival, arrival, departure, "reservation already checked out", nil)
		}

		v, err := m.redeemer.Redeem(ctx, req.Credential, token.Expect{
			Phase:         domain.PhaseArrival,
			ReservationID: req.ReservationID,
		})
		if err != nil {
			return err
		}

		subject := req.SubjectID
		if subject == "" {
			subject = v.Payload.SubjectID
		}
		created = m.newEvent(req.ReservationID, domain.PhaseArrival, subject, v.CredentialID)
		return m.store.CreateEvent(ctx, created)
	})
	if err != nil {
		return nil, m.translate(ctx, req.ReservationID, domain.PhaseArrival, err)
	}

	m.dispatch(created)
	return created, nil
}

// Depart checks the reservation out. It requires state CHECKED_IN and the
// DEPARTURE evidence minimum. A presented credential must be an unused
// DEPARTURE credential for the reservation and is redeemed.
func (m *Machine) Depart(ctx context.Context, req DepartRequest) (*model.OccupancyEvent, error) {
	if req.ReservationID == "" {
		return nil, fmt.Errorf("%w: reservation is required", domain.ErrMalformed)
	}

	var created *model.OccupancyEvent
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		arrival, departure, err := m.events(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if departure != nil {
			return conflict(req.ReservationID, domain.PhaseDeparture, arrival, departure, "already checked out", departure)
		}
		if arrival == nil {
			return conflict(req.ReservationID, domain.PhaseDeparture, arrival, departure, "not checked in", nil)
		}

		if err := m.gate.Require(ctx, req.ReservationID, domain.PhaseDeparture); err != nil {
			return err
		}

		subject := req.SubjectID
		var credentialID string
		if req.Credential != "" {
			v, err := m.redeemer.Redeem(ctx, req.Credential, token.Expect{
				Phase:         domain.PhaseDeparture,
				ReservationID: req.ReservationID,
			})
			if err != nil {
				return err
			}
			if v.Payload.LinkedEventID != "" && v.Payload.LinkedEventID != arrival.ID {
				return conflict(req.ReservationID, domain.PhaseDeparture, arrival, departure, "credential is linked to another check-in", nil)
			}
			credentialID = v.CredentialID
			if subject == "" {
				subject = v.Payload.SubjectID
			}
		}
		if subject == "" {
			subject = arrival.SubjectID
		}

		created = m.newEvent(req.ReservationID, domain.PhaseDeparture, subject, credentialID)
		return m.store.CreateEvent(ctx, created)
	})
	if err != nil {
		return nil, m.translate(ctx, req.ReservationID, domain.PhaseDeparture, err)
	}

	m.dispatch(created)
	return created, nil
}

// Status derives the reservation's state from its events.
func (m *Machine) Status(ctx context.Context, reservationID string) (Status, error) {
	arrival, departure, err := m.events(ctx, reservationID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ReservationID: reservationID,
		State:         domain.DeriveState(arrival != nil, departure != nil),
		HasArrival:    arrival != nil,
		HasDeparture:  departure != nil,
	}
	if arrival != nil {
		at := arrival.OccurredAt
		st.ArrivalAt = &at
	}
	if departure != nil {
		at := departure.OccurredAt
		st.DepartureAt = &at
	}
	return st, nil
}

func (m *Machine) events(ctx context.Context, reservationID string) (arrival, departure *model.OccupancyEvent, err error) {
	events, err := m.store.ListEvents(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	for i := range events {
		switch domain.Phase(events[i].Phase) {
		case domain.PhaseArrival:
			arrival = &events[i]
		case domain.PhaseDeparture:
			departure = &events[i]
		}
	}
	return arrival, departure, nil
}

func (m *Machine) newEvent(reservationID string, phase domain.Phase, subjectID, credentialID string) *model.OccupancyEvent {
	return &model.OccupancyEvent{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		Phase:         string(phase),
		SubjectID:     subjectID,
		CredentialID:  credentialID,
		OccurredAt:    m.clock.Now(),
	}
}

// translate turns a unique index violation into a StateConflictError that
// carries the winning event. The lookup happens after the transaction has
// rolled back.
func (m *Machine) translate(ctx context.Context, reservationID string, phase domain.Phase, err error) error {
	if !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	existing, ferr := m.store.FindEvent(ctx, reservationID, phase)
	if ferr != nil {
		return ferr
	}
	sc := &domain.StateConflictError{
		ReservationID: reservationID,
		Phase:         phase,
		Current:       domain.StateCheckedIn,
		Reason:        fmt.Sprintf("%s already recorded", phase),
	}
	if phase == domain.PhaseDeparture {
		sc.Current = domain.StateCheckedOut
	}
	if existing != nil {
		sc.Existing = ref(existing)
	}
	return sc
}

func (m *Machine) dispatch(e *model.OccupancyEvent) {
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(*e)
	}
}

func conflict(reservationID string, phase domain.Phase, arrival, departure *model.OccupancyEvent, reason string, existing *model.OccupancyEvent) error {
	sc := &domain.StateConflictError{
		ReservationID: reservationID,
		Phase:         phase,
		Current:       domain.DeriveState(arrival != nil, departure != nil),
		Reason:        reason,
	}
	if existing != nil {
		sc.Existing = ref(existing)
	}
	return sc
}

func ref(e *model.OccupancyEvent) *domain.EventRef {
	return &domain.EventRef{
		ID:           e.ID,
		Phase:        domain.Phase(e.Phase),
		CredentialID: e.CredentialID,
		SubjectID:    e.SubjectID,
		OccurredAt:   e.OccurredAt,
	}
}
