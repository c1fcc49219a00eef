package occupancy

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/db"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/evidence"
	"checkin-backend/internal/model"
	"checkin-backend/internal/store"
	"checkin-backend/internal/testutil"
	"checkin-backend/internal/token"
)

var (
	testSecret = []byte("occupancy-test-secret")
	photo      = evidence.Upload{
		ContentType: "image/jpeg",
		Data:        append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x07}, 32)...),
	}
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.OccupancyEvent
}

func (d *recordingDispatcher) Dispatch(e model.OccupancyEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

type fixture struct {
	store      store.Store
	clock      *clock.Manual
	issuer     *token.Issuer
	gate       *evidence.Gate
	dispatched *recordingDispatcher
	machine    *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewGormStore(testutil.NewSQLite(t, db.ServerModels...))
	clk := clock.NewManual(time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC))
	blobs, err := evidence.NewDirBlobStore(t.TempDir(), "/uploads")
	require.NoError(t, err)
	gate := evidence.NewGate(s, blobs, clk, evidence.DefaultPolicy())
	d := &recordingDispatcher{}
	return &fixture{
		store:      s,
		clock:      clk,
		issuer:     token.NewIssuer(s, testSecret, clk),
		gate:       gate,
		dispatched: d,
		machine:    NewMachine(s, token.NewValidator(s, testSecret, clk), gate, clk, WithDispatcher(d)),
	}
}

func (f *fixture) issue(t *testing.T, reservationID string, phase domain.Phase, linked string) string {
	t.Helper()
	issued, err := f.issuer.Issue(context.Background(), token.IssueRequest{
		ReservationID: reservationID,
		SubjectID:     "guest-1",
		Phase:         phase,
		LinkedEventID: linked,
	})
	require.NoError(t, err)
	return issued.Wire
}

func (f *fixture) arrive(t *testing.T, reservationID string) *model.OccupancyEvent {
	t.Helper()
	e, err := f.machine.Arrive(context.Background(), ArriveRequest{
		ReservationID: reservationID,
		Credential:    f.issue(t, reservationID, domain.PhaseArrival, ""),
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) upload(t *testing.T, reservationID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.gate.RecordEvidence(context.Background(), reservationID, domain.PhaseDeparture, "guest-1", photo)
		require.NoError(t, err)
	}
}

func TestMachine_ArriveThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wire := f.issue(t, "R1", domain.PhaseArrival, "")

	e, err := f.machine.Arrive(ctx, ArriveRequest{ReservationID: "R1", Credential: wire})
	require.NoError(t, err)
	assert.Equal(t, string(domain.PhaseArrival), e.Phase)
	assert.Equal(t, "guest-1", e.SubjectID)
	assert.NotEmpty(t, e.CredentialID)

	st, err := f.machine.Status(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCheckedIn, st.State)
	require.NotNil(t, st.ArrivalAt)
	assert.Nil(t, st.DepartureAt)

	// Same credential again: the reservation is already checked in.
	_, err = f.machine.Arrive(ctx, ArriveRequest{ReservationID: "R1", Credential: wire})
	var sc *domain.StateConflictError
	require.ErrorAs(t, err, &sc)
	require.NotNil(t, sc.Existing)
	assert.Equal(t, e.ID, sc.Existing.ID)
	assert.Equal(t, e.CredentialID, sc.Existing.CredentialID)

	assert.Len(t, f.dispatched.events, 1)
}

func TestMachine_ArriveCredentialReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wire := f.issue(t, "R1", domain.PhaseArrival, "")

	_, err := f.machine.Arrive(ctx, ArriveRequest{ReservationID: "R1", Credential: wire})
	require.NoError(t, err)

	// Re-presenting the redeemed credential is AlreadyUsed at validation.
	_, err = token.NewValidator(f.store, testSecret, f.clock).Validate(ctx, wire)
	assert.ErrorIs(t, err, domain.ErrAlreadyUsed)
}

func TestMachine_ArriveRejectsWrongCredential(t *testing.T) {
	testCases := []struct {
		name string
		wire func(t *testing.T, f *fixture) string
		want error
	}{
		{
			name: "departure credential",
			wire: func(t *testing.T, f *fixture) string { return f.issue(t, "R1", domain.PhaseDeparture, "") },
			want: domain.ErrPhaseMismatch,
		},
		{
			name: "other reservation",
			wire: func(t *testing.T, f *fixture) string { return f.issue(t, "R2", domain.PhaseArrival, "") },
			want: domain.ErrReservationMismatch,
		},
		{
			name: "garbage",
			wire: func(*testing.T, *fixture) string { return "{" },
			want: domain.ErrMalformed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.machine.Arrive(context.Background(), ArriveRequest{ReservationID: "R1", Credential: tc.wire(t, f)})
			assert.ErrorIs(t, err, tc.want)

			st, err := f.machine.Status(context.Background(), "R1")
			require.NoError(t, err)
			assert.Equal(t, domain.StateNone, st.State)
			assert.Empty(t, f.dispatched.events)
		})
	}
}

func TestMachine_ArriveExpired(t *testing.T) {
	f := newFixture(t)
	wire := f.issue(t, "R1", domain.PhaseArrival, "")
	f.clock.Advance(48 * time.Hour)

	_, err := f.machine.Arrive(context.Background(), ArriveRequest{ReservationID: "R1", Credential: wire})
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestMachine_DepartBeforeArrive(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "R1", 2)

	_, err := f.machine.Depart(context.Background(), DepartRequest{ReservationID: "R1", SubjectID: "guest-1"})
	var sc *domain.StateConflictError
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, domain.StateNone, sc.Current)
	assert.Nil(t, sc.Existing)
	assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))
}

func TestMachine_DepartRequiresEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.arrive(t, "R1")
	f.upload(t, "R1", 1)

	_, err := f.machine.Depart(ctx, DepartRequest{ReservationID: "R1", SubjectID: "guest-1"})
	var insufficient *domain.InsufficientEvidenceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, insufficient.Current)
	assert.Equal(t, 2, insufficient.Required)

	f.upload(t, "R1", 1)
	e, err := f.machine.Depart(ctx, DepartRequest{ReservationID: "R1", SubjectID: "guest-1"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.PhaseDeparture), e.Phase)
	assert.Empty(t, e.CredentialID)

	st, err := f.machine.Status(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCheckedOut, st.State)
	assert.True(t, st.HasArrival)
	assert.True(t, st.HasDeparture)

	_, err = f.machine.Depart(ctx, DepartRequest{ReservationID: "R1", SubjectID: "guest-1"})
	var sc *domain.StateConflictError
	require.ErrorAs(t, err, &sc)
	require.NotNil(t, sc.Existing)
	assert.Equal(t, e.ID, sc.Existing.ID)
}

func TestMachine_DepartWithLinkedCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	arrival := f.arrive(t, "R1")
	f.upload(t, "R1", 2)

	wire := f.issue(t, "R1", domain.PhaseDeparture, arrival.ID)
	e, err := f.machine.Depart(ctx, DepartRequest{ReservationID: "R1", Credential: wire})
	require.NoError(t, err)
	assert.NotEmpty(t, e.CredentialID)
	assert.Equal(t, "guest-1", e.SubjectID)
	assert.Len(t, f.dispatched.events, 2)
}

func TestMachine_RejectedDepartureKeepsCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.arrive(t, "R1")
	wire := f.issue(t, "R1", domain.PhaseDeparture, "")

	_, err := f.machine.Depart(ctx, DepartRequest{ReservationID: "R1", Credential: wire})
	require.ErrorIs(t, err, domain.ErrInsufficientEvidence)

	f.upload(t, "R1", 2)
	_, err = f.machine.Depart(ctx, DepartRequest{ReservationID: "R1", Credential: wire})
	require.NoError(t, err)
}

func TestMachine_ConcurrentArrive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wires := []string{
		f.issue(t, "R1", domain.PhaseArrival, ""),
		f.issue(t, "R1", domain.PhaseArrival, ""),
		f.issue(t, "R1", domain.PhaseArrival, ""),
		f.issue(t, "R1", domain.PhaseArrival, ""),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(wires))
	for i, w := range wires {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.machine.Arrive(ctx, ArriveRequest{ReservationID: "R1", Credential: w})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrStateConflict)
	}
	assert.Equal(t, 1, succeeded)

	events, err := f.store.ListEvents(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMachine_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Arrive(ctx, ArriveRequest{ReservationID: "R1"})
	assert.ErrorIs(t, err, domain.ErrMalformed)

	_, err = f.machine.Depart(ctx, DepartRequest{})
	assert.ErrorIs(t, err, domain.ErrMalformed)
}
