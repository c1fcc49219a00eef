package token

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
)

const (
	DefaultArrivalTTL   = 48 * time.Hour
	DefaultDepartureTTL = 24 * time.Hour
)

// Issuer creates and persists new credentials.
type Issuer struct {
	store  store.Store
	secret []byte
	clock  clock.Clock
	ttl    map[domain.Phase]time.Duration
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer)

// WithTTL overrides the lifetime of credentials for one phase.
func WithTTL(phase domain.Phase, d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl[phase] = d
		}
	}
}

// NewIssuer creates an Issuer. Expiry is always anchored to issuance time.
func NewIssuer(s store.Store, secret []byte, clk clock.Clock, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:  s,
		secret: secret,
		clock:  clk,
		ttl: map[domain.Phase]time.Duration{
			domain.PhaseArrival:   DefaultArrivalTTL,
			domain.PhaseDeparture: DefaultDepartureTTL,
		},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueRequest describes the credential to create.
type IssueRequest struct {
	ReservationID string
	SubjectID     string
	Phase         domain.Phase
	// LinkedEventID optionally ties a departure credential to the
	// reservation's arrival event.
	LinkedEventID string
}

// Issued is a persisted credential and its signed wire form.
type Issued struct {
	Payload Payload
	Wire    string
}

// Issue persists a new unused credential and returns its wire form.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if req.ReservationID == "" || req.SubjectID == "" {
		return Issued{}, fmt.Errorf("%w: reservation and subject are required", domain.ErrMalformed)
	}
	if !req.Phase.Valid() {
		return Issued{}, fmt.Errorf("%w: unknown phase %q", domain.ErrMalformed, req.Phase)
	}
	if req.LinkedEventID != "" {
		if err := i.checkLinkedEvent(ctx, req); err != nil {
			return Issued{}, err
		}
	}

	now := i.clock.Now().UTC().Truncate(time.Second)
	p := Payload{
		ID:            uuid.NewString(),
		ReservationID: req.ReservationID,
		SubjectID:     req.SubjectID,
		Phase:         req.Phase,
		LinkedEventID: req.LinkedEventID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.ttl[req.Phase]),
	}

	w, err := Encode(p, i.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %v", domain.ErrIssuance, err)
	}

	rec := &model.Credential{
		ID:            p.ID,
		LookupKey:     p.LookupKey(),
		ReservationID: p.ReservationID,
		SubjectID:     p.SubjectID,
		Phase:         string(p.Phase),
		LinkedEventID: p.LinkedEventID,
		Signature:     Sign(p, i.secret),
		IssuedAt:      p.IssuedAt,
		ExpiresAt:     p.ExpiresAt,
	}
	if err := i.store.CreateCredential(ctx, rec); err != nil {
		return Issued{}, fmt.Errorf("%w: %v", domain.ErrIssuance, err)
	}

	return Issued{Payload: p, Wire: w}, nil
}

func (i *Issuer) checkLinkedEvent(ctx context.Context, req IssueRequest) error {
	ev, err := i.store.FindEventByID(ctx, req.LinkedEventID)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.StateConflictError{
			ReservationID: req.ReservationID,
			Phase:         req.Phase,
			Reason:        "linked event not found",
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIssuance, err)
	}
	if req.Phase != domain.PhaseDeparture || ev.ReservationID != req.ReservationID || ev.Phase != string(domain.PhaseArrival) {
		return &domain.StateConflictError{
			ReservationID: req.ReservationID,
			Phase:         req.Phase,
			Reason:        "linked event must be this reservation's arrival",
		}
	}
	return nil
}
