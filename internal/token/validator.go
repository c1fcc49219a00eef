package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/store"
)

// Validated is a credential that passed every check.
type Validated struct {
	Payload      Payload
	CredentialID string
	// RedeemedAt is zero for Inspect results.
	RedeemedAt time.Time
}

// Expect narrows which credentials Redeem accepts.
type Expect struct {
	Phase         domain.Phase
	ReservationID string
}

// Validator verifies presented credentials and redeems them.
type Validator struct {
	store  store.Store
	secret []byte
	clock  clock.Clock
}

// NewValidator creates a Validator sharing the issuer's secret.
func NewValidator(s store.Store, secret []byte, clk clock.Clock) *Validator {
	return &Validator{store: s, secret: secret, clock: clk}
}

// Inspect runs every check except redemption. The credential stays unused.
func (v *Validator) Inspect(ctx context.Context, wireForm string) (Validated, error) {
	p, rec, err := v.check(ctx, wireForm)
	if err != nil {
		return Validated{}, err
	}
	return Validated{Payload: p, CredentialID: rec.ID}, nil
}

// Validate checks the credential and redeems it.
func (v *Validator) Validate(ctx context.Context, wireForm string) (Validated, error) {
	return v.Redeem(ctx, wireForm, Expect{})
}

// Redeem checks the credential, then matches it against want before marking
// it used. Empty fields in want are not checked. Of any number of concurrent
// callers presenting the same credential, exactly one succeeds.
func (v *Validator) Redeem(ctx context.Context, wireForm string, want Expect) (Validated, error) {
	p, rec, err := v.check(ctx, wireForm)
	if err != nil {
		return Validated{}, err
	}

	if want.Phase != "" && p.Phase != want.Phase {
		return Validated{}, fmt.Errorf("%w: credential is for %s, transition is %s", domain.ErrPhaseMismatch, p.Phase, want.Phase)
	}
	if want.ReservationID != "" && p.ReservationID != want.ReservationID {
		return Validated{}, domain.ErrReservationMismatch
	}

	now := v.clock.Now()
	ok, err := v.store.RedeemCredential(ctx, rec.ID, now)
	if err != nil {
		return Validated{}, err
	}
	if !ok {
		return Validated{}, domain.ErrAlreadyUsed
	}
	return Validated{Payload: p, CredentialID: rec.ID, RedeemedAt: now}, nil
}

func (v *Validator) check(ctx context.Context, wireForm string) (Payload, *model.Credential, error) {
	p, sig, err := Decode(wireForm)
	if err != nil {
		return Payload{}, nil, err
	}

	rec, err := v.store.FindCredentialByLookupKey(ctx, p.LookupKey())
	if errors.Is(err, store.ErrNotFound) {
		return Payload{}, nil, domain.ErrNotFound
	}
	if err != nil {
		return Payload{}, nil, err
	}

	if !Verify(p, sig, v.secret) || subtle.ConstantTimeCompare([]byte(sig), []byte(rec.Signature)) != 1 {
		return Payload{}, nil, domain.ErrSignatureMismatch
	}

	if !v.clock.Now().Before(rec.ExpiresAt) {
		return Payload{}, nil, domain.ErrExpired
	}
	if rec.Used {
		return Payload{}, nil, domain.ErrAlreadyUsed
	}
	return p, rec, nil
}
