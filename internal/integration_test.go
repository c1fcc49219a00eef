package internal

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin-backend/internal/api"
	"checkin-backend/internal/clock"
	"checkin-backend/internal/db"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/evidence"
	"checkin-backend/internal/mw"
	"checkin-backend/internal/notification"
	"checkin-backend/internal/occupancy"
	"checkin-backend/internal/store"
	"checkin-backend/internal/syncer"
	"checkin-backend/internal/testutil"
	"checkin-backend/internal/token"
)

var photo = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x07}, 64)...)

type lifecycle struct {
	store  store.Store
	issuer *token.Issuer
	gate   *evidence.Gate
	clock  *clock.Manual
	agent  *syncer.Syncer
	pool   *notification.WorkerPool
	// down makes the server answer 503 to simulate lost connectivity.
	down atomic.Bool
}

func newLifecycle(t *testing.T) *lifecycle {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := &lifecycle{clock: clock.NewManual(time.Date(2026, 4, 10, 14, 0, 0, 0, time.UTC))}
	secret := []byte("integration-secret")

	l.store = store.NewGormStore(testutil.NewSQLite(t, db.ServerModels...))
	blobs, err := evidence.NewDirBlobStore(t.TempDir(), "/uploads/checkin-photos")
	require.NoError(t, err)
	l.gate = evidence.NewGate(l.store, blobs, l.clock, evidence.DefaultPolicy())
	l.issuer = token.NewIssuer(l.store, secret, l.clock)
	validator := token.NewValidator(l.store, secret, l.clock)

	l.pool = notification.NewWorkerPool(2, l.store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l.pool.Start(ctx)

	verifier := mw.NewJWTVerifier([]byte("integration-jwt"))
	bearer, err := verifier.Generate("guest-7", time.Hour)
	require.NoError(t, err)

	router := api.NewRouter(api.Services{
		Store:     l.store,
		Issuer:    l.issuer,
		Validator: validator,
		Machine:   occupancy.NewMachine(l.store, validator, l.gate, l.clock, occupancy.WithDispatcher(l.pool)),
		Gate:      l.gate,
	}, api.RouterConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, Verifier: verifier})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	queue := syncer.NewQueue(testutil.NewSQLite(t, db.AgentModels...))
	remote := syncer.NewHTTPRemote(server.URL, bearer, 5*time.Second)
	l.agent = syncer.New(queue, remote, l.clock, syncer.WithSubject("guest-7"))
	return l
}

func (l *lifecycle) credential(t *testing.T, reservationID string, phase domain.Phase) string {
	t.Helper()
	issued, err := l.issuer.Issue(context.Background(), token.IssueRequest{
		ReservationID: reservationID, SubjectID: "guest-7", Phase: phase,
	})
	require.NoError(t, err)
	return issued.Wire
}

func (l *lifecycle) photos(t *testing.T, reservationID string, n int) {
	t.Helper()
	items := make([]evidence.Upload, n)
	for i := range items {
		items[i] = evidence.Upload{Filename: "room.jpg", ContentType: "image/jpeg", Data: photo}
	}
	_, err := l.gate.RecordEvidenceBatch(context.Background(), evidence.Batch{
		ReservationID: reservationID, Phase: domain.PhaseDeparture, CapturedBy: "guest-7", Items: items,
	})
	require.NoError(t, err)
}

// TestStayLifecycle queues an arrival and a departure on the device and
// replays them against the running server.
func TestStayLifecycle(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	arrival := l.credential(t, "R100", domain.PhaseArrival)
	_, err := l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindArrive, ReservationID: "R100", Credential: arrival})
	require.NoError(t, err)

	report, err := l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Equal(t, 0, report.Remaining)

	// Departure without photos is refused for good and dropped from the queue.
	_, err = l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindDepart, ReservationID: "R100"})
	require.NoError(t, err)
	report, err = l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeRejected, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, domain.ErrInsufficientEvidence)

	l.photos(t, "R100", 2)
	_, err = l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindDepart, ReservationID: "R100"})
	require.NoError(t, err)
	report, err = l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)

	events, err := l.store.ListEvents(ctx, "R100")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "guest-7", e.SubjectID)
	}
}

// TestLostResponseIsReconciled covers an event the server committed while
// the device never saw the response.
func TestLostResponseIsReconciled(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	arrival := l.credential(t, "R200", domain.PhaseArrival)
	_, err := l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindArrive, ReservationID: "R200", Credential: arrival})
	require.NoError(t, err)
	_, err = l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindArrive, ReservationID: "R200", Credential: arrival})
	require.NoError(t, err)

	report, err := l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Equal(t, syncer.OutcomeAlreadySynced, report.Results[1].Outcome)
	require.NotNil(t, report.Results[1].Event)
	assert.Equal(t, report.Results[0].Event.ID, report.Results[1].Event.ID)
	assert.Equal(t, 0, report.Remaining)
}

// TestConflictingArrivalIsReported checks that another guest's arrival on the
// same reservation surfaces as a conflict, not as a duplicate of our own.
func TestConflictingArrivalIsReported(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	first := l.credential(t, "R300", domain.PhaseArrival)
	second := l.credential(t, "R300", domain.PhaseArrival)

	_, err := l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindArrive, ReservationID: "R300", Credential: first})
	require.NoError(t, err)
	_, err = l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindArrive, ReservationID: "R300", Credential: second})
	require.NoError(t, err)

	report, err := l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Equal(t, syncer.OutcomeConflict, report.Results[1].Outcome)

	var conflict *domain.StateConflictError
	require.ErrorAs(t, report.Results[1].Err, &conflict)
	require.NotNil(t, conflict.Existing)
	assert.Equal(t, report.Results[0].Event.ID, conflict.Existing.ID)
}

// TestOfflineQueueDrainsInOrder keeps events queued while the server is
// unreachable and delivers them once it comes back.
func TestOfflineQueueDrainsInOrder(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	arrival := l.credential(t, "R400", domain.PhaseArrival)
	l.photos(t, "R400", 2)

	l.down.Store(true)
	_, err := l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindArrive, ReservationID: "R400", Credential: arrival})
	require.NoError(t, err)
	_, err = l.agent.Enqueue(ctx, syncer.EnqueueRequest{Kind: syncer.KindDepart, ReservationID: "R400"})
	require.NoError(t, err)

	report, err := l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, syncer.OutcomeRetrying, report.Results[0].Outcome)
	assert.Equal(t, 2, report.Remaining)

	// Nothing is due before the backoff elapses.
	l.down.Store(false)
	report, err = l.agent.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)

	l.clock.Advance(time.Minute)
	report, err = l.agent.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, syncer.KindArrive, report.Results[0].Kind)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[0].Outcome)
	assert.Equal(t, syncer.KindDepart, report.Results[1].Kind)
	assert.Equal(t, syncer.OutcomeSynced, report.Results[1].Outcome)
	assert.Equal(t, 0, report.Remaining)

	status, err := l.store.ListEvents(ctx, "R400")
	require.NoError(t, err)
	assert.Len(t, status, 2)
}
