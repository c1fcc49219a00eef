package token

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/store"
	"checkin-backend/internal/testutil"
)

type fixture struct {
	store     store.Store
	clock     *clock.Manual
	issuer    *Issuer
	validator *Validator
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewSQLite(t, &model.Credential{}, &model.OccupancyEvent{})
	s := store.NewGormStore(db)
	clk := clock.NewManual(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC))
	return &fixture{
		store:     s,
		clock:     clk,
		issuer:    NewIssuer(s, testSecret, clk),
		validator: NewValidator(s, testSecret, clk),
	}
}

func (f *fixture) issue(t *testing.T, phase domain.Phase) Issued {
	t.Helper()
	out, err := f.issuer.Issue(context.Background(), IssueRequest{ReservationID: "R1", SubjectID: "guest-1", Phase: phase})
	require.NoError(t, err)
	return out
}

func TestIssue_TTLPerPhase(t *testing.T) {
	f := newFixture(t)

	arrival := f.issue(t, domain.PhaseArrival)
	assert.Equal(t, 48*time.Hour, arrival.Payload.ExpiresAt.Sub(arrival.Payload.IssuedAt))

	departure := f.issue(t, domain.PhaseDeparture)
	assert.Equal(t, 24*time.Hour, departure.Payload.ExpiresAt.Sub(departure.Payload.IssuedAt))

	custom := NewIssuer(f.store, testSecret, f.clock, WithTTL(domain.PhaseArrival, time.Hour))
	out, err := custom.Issue(context.Background(), IssueRequest{ReservationID: "R2", SubjectID: "g", Phase: domain.PhaseArrival})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, out.Payload.ExpiresAt.Sub(out.Payload.IssuedAt))
}

func TestIssue_RejectsBadRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.issuer.Issue(ctx, IssueRequest{ReservationID: "R1", SubjectID: "g", Phase: "LATE"})
	assert.ErrorIs(t, err, domain.ErrMalformed)

	_, err = f.issuer.Issue(ctx, IssueRequest{SubjectID: "g", Phase: domain.PhaseArrival})
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

func TestIssue_LinkedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateEvent(ctx, &model.OccupancyEvent{
		ID: "evt-1", ReservationID: "R1", Phase: string(domain.PhaseArrival), SubjectID: "guest-1", OccurredAt: f.clock.Now(),
	}))

	out, err := f.issuer.Issue(ctx, IssueRequest{ReservationID: "R1", SubjectID: "guest-1", Phase: domain.PhaseDeparture, LinkedEventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", out.Payload.LinkedEventID)

	_, err = f.issuer.Issue(ctx, IssueRequest{ReservationID: "R2", SubjectID: "guest-1", Phase: domain.PhaseDeparture, LinkedEventID: "evt-1"})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = f.issuer.Issue(ctx, IssueRequest{ReservationID: "R1", SubjectID: "guest-1", Phase: domain.PhaseDeparture, LinkedEventID: "missing"})
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestIssue_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	sqlDB, err := f.store.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	out, err := f.issuer.Issue(context.Background(), IssueRequest{ReservationID: "R1", SubjectID: "g", Phase: domain.PhaseArrival})
	assert.ErrorIs(t, err, domain.ErrIssuance)
	assert.Empty(t, out.Wire)
}

func TestValidate_ImmediatelyAfterIssue(t *testing.T) {
	f := newFixture(t)
	for _, phase := range []domain.Phase{domain.PhaseArrival, domain.PhaseDeparture} {
		issued := f.issue(t, phase)

		got, err := f.validator.Validate(context.Background(), issued.Wire)
		require.NoError(t, err)
		assert.Equal(t, "R1", got.Payload.ReservationID)
		assert.Equal(t, phase, got.Payload.Phase)
		assert.Equal(t, issued.Payload.ID, got.CredentialID)
		assert.Equal(t, f.clock.Now(), got.RedeemedAt)
	}
}

func TestValidate_SecondUseFails(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, domain.PhaseArrival)

	_, err := f.validator.Validate(context.Background(), issued.Wire)
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), issued.Wire)
	assert.ErrorIs(t, err, domain.ErrAlreadyUsed)
}

func TestValidate_ConcurrentRedemption(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, domain.PhaseArrival)

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.validator.Validate(context.Background(), issued.Wire)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyUsed)
	}
	assert.Equal(t, 1, succeeded)
}

func TestValidate_Expired(t *testing.T) {
	t.Run("unused", func(t *testing.T) {
		f := newFixture(t)
		issued := f.issue(t, domain.PhaseArrival)
		f.clock.Set(issued.Payload.ExpiresAt)

		_, err := f.validator.Validate(context.Background(), issued.Wire)
		assert.ErrorIs(t, err, domain.ErrExpired)
	})

	t.Run("already used", func(t *testing.T) {
		f := newFixture(t)
		issued := f.issue(t, domain.PhaseArrival)
		_, err := f.validator.Validate(context.Background(), issued.Wire)
		require.NoError(t, err)

		f.clock.Set(issued.Payload.ExpiresAt.Add(time.Minute))
		_, err = f.validator.Validate(context.Background(), issued.Wire)
		assert.ErrorIs(t, err, domain.ErrExpired)
	})
}

func TestValidate_SignatureMismatch(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, domain.PhaseArrival)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(issued.Wire), &m))
	m["sig"] = Sign(issued.Payload, []byte("forged"))
	forged, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), string(forged))
	assert.ErrorIs(t, err, domain.ErrSignatureMismatch)
}

func TestValidate_NotFoundAndMalformed(t *testing.T) {
	f := newFixture(t)

	unknown, err := Encode(samplePayload(), testSecret)
	require.NoError(t, err)
	_, err = f.validator.Validate(context.Background(), unknown)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.validator.Validate(context.Background(), `{"id":"x"}`)
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

func TestRedeem_MismatchLeavesCredentialUnused(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, domain.PhaseArrival)
	ctx := context.Background()

	_, err := f.validator.Redeem(ctx, issued.Wire, Expect{Phase: domain.PhaseDeparture})
	assert.ErrorIs(t, err, domain.ErrPhaseMismatch)

	_, err = f.validator.Redeem(ctx, issued.Wire, Expect{Phase: domain.PhaseArrival, ReservationID: "R9"})
	assert.ErrorIs(t, err, domain.ErrReservationMismatch)

	inspected, err := f.validator.Inspect(ctx, issued.Wire)
	require.NoError(t, err)
	assert.True(t, inspected.RedeemedAt.IsZero())

	_, err = f.validator.Redeem(ctx, issued.Wire, Expect{Phase: domain.PhaseArrival, ReservationID: "R1"})
	assert.NoError(t, err)
}
