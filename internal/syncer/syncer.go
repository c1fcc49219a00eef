// Package syncer replays transitions recorded on a device while it was
// offline. Events are kept in a local queue and sent to the server strictly
// in the order they were recorded.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/token"
)

// ErrFlushInProgress is returned by Flush while another flush is running.
var ErrFlushInProgress = errors.New("flush already in progress")

// Kind is the transition a pending event replays.
type Kind string

const (
	KindArrive Kind = "ARRIVE"
	KindDepart Kind = "DEPART"
)

// Outcome is what happened to one event during a flush.
type Outcome string

const (
	// OutcomeSynced means the server accepted the event.
	OutcomeSynced Outcome = "synced"
	// OutcomeAlreadySynced means the server already holds this event from
	// an earlier attempt whose response was lost.
	OutcomeAlreadySynced Outcome = "already_synced"
	// OutcomeConflict means another actor's event is recorded instead.
	OutcomeConflict Outcome = "conflict"
	// OutcomeRejected means the server refused the event for good.
	OutcomeRejected Outcome = "rejected"
	// OutcomeRetrying means the event stays queued for a later flush.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeDiscarded means the event ran out of attempts.
	OutcomeDiscarded Outcome = "discarded"
)

// Result reports the handling of one event.
type Result struct {
	Seq           int64
	Kind          Kind
	ReservationID string
	Outcome       Outcome
	Event         *domain.EventRef
	Err           error
}

// Report summarises one flush.
type Report struct {
	Results   []Result
	Remaining int
}

// EnqueueRequest is a transition to record for later replay.
type EnqueueRequest struct {
	Kind          Kind
	ReservationID string
	// SubjectID defaults to the credential's subject, then to the
	// synchronizer's own subject.
	SubjectID  string
	Credential string
}

// Syncer owns the local queue and replays it against a Remote.
type Syncer struct {
	queue       *Queue
	remote      Remote
	clock       clock.Clock
	subjectID   string
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	flushing    atomic.Bool
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithSubject sets the subject recorded on events that carry no credential.
func WithSubject(id string) Option { return func(s *Syncer) { s.subjectID = id } }

// WithInterval sets how often Run flushes.
func WithInterval(d time.Duration) Option { return func(s *Syncer) { s.interval = d } }

// WithRequestTimeout bounds each replayed request.
func WithRequestTimeout(d time.Duration) Option { return func(s *Syncer) { s.timeout = d } }

// WithMaxAttempts sets after how many retryable failures an event is dropped.
func WithMaxAttempts(n int) Option { return func(s *Syncer) { s.maxAttempts = n } }

// WithBackoff sets the first retry delay and its ceiling.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(s *Syncer) {
		s.baseBackoff = base
		s.maxBackoff = ceiling
	}
}

// New creates a Syncer.
func New(q *Queue, r Remote, clk clock.Clock, opts ...Option) *Syncer {
	s := &Syncer{
		queue:       q,
		remote:      r,
		clock:       clk,
		interval:    30 * time.Second,
		timeout:     30 * time.Second,
		maxAttempts: 20,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends a transition to the queue. The credential is decoded to
// record its id for replay reconciliation; it is not validated.
func (s *Syncer) Enqueue(ctx context.Context, req EnqueueRequest) (*model.PendingEvent, error) {
	if req.ReservationID == "" {
		return nil, fmt.Errorf("%w: reservation is required", domain.ErrMalformed)
	}
	switch req.Kind {
	case KindArrive:
		if req.Credential == "" {
			return nil, fmt.Errorf("%w: arrival requires a credential", domain.ErrMalformed)
		}
	case KindDepart:
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", domain.ErrMalformed, req.Kind)
	}

	e := &model.PendingEvent{
		Kind:          string(req.Kind),
		ReservationID: req.ReservationID,
		SubjectID:     req.SubjectID,
		Credential:    req.Credential,
	}
	if req.Credential != "" {
		p, _, err := token.Decode(req.Credential)
		if err != nil {
			return nil, err
		}
		e.CredentialID = p.ID
		if e.SubjectID == "" {
			e.SubjectID = p.SubjectID
		}
	}
	if e.SubjectID == "" {
		e.SubjectID = s.subjectID
	}

	now := s.clock.Now()
	e.EnqueuedAt = now
	e.NextAttemptAt = now
	if err := s.queue.Append(ctx, e); err != nil {
		return nil, err
	}
	log.Printf("Queued %s for reservation %s (seq %d)", e.Kind, e.ReservationID, e.Seq)
	return e, nil
}

// Pending lists the queued events in replay order.
func (s *Syncer) Pending(ctx context.Context) ([]model.PendingEvent, error) {
	return s.queue.List(ctx)
}

// CacheCredential keeps a credential for presentation without connectivity.
func (s *Syncer) CacheCredential(ctx context.Context, reservationID string, phase domain.Phase, wire string) error {
	return s.queue.CacheCredential(ctx, reservationID, phase, wire, s.clock.Now())
}

// CachedCredential returns a cached credential or ErrNotCached.
func (s *Syncer) CachedCredential(ctx context.Context, reservationID string, phase domain.Phase) (string, error) {
	c, err := s.queue.CachedCredential(ctx, reservationID, phase)
	if err != nil {
		return "", err
	}
	return c.Credential, nil
}

// Flush replays queued events in order. It stops at the first event that
// must be retried, so a later event is never sent ahead of an earlier one.
func (s *Syncer) Flush(ctx context.Context) (Report, error) {
	if !s.flushing.CompareAndSwap(false, true) {
		return Report{}, ErrFlushInProgress
	}
	defer s.flushing.Store(false)

	var report Report
	for {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, report, err)
		}

		head, err := s.queue.Head(ctx)
		if err != nil {
			return s.finish(ctx, report, err)
		}
		if head == nil || head.NextAttemptAt.After(s.clock.Now()) {
			break
		}

		res, err := s.replay(ctx, head)
		if err != nil {
			return s.finish(ctx, report, err)
		}
		report.Results = append(report.Results, res)
		if res.Outcome == OutcomeRetrying {
			break
		}
	}
	return s.finish(ctx, report, nil)
}

func (s *Syncer) finish(ctx context.Context, report Report, err error) (Report, error) {
	n, lenErr := s.queue.Len(context.WithoutCancel(ctx))
	if lenErr != nil && err == nil {
		err = lenErr
	}
	report.Remaining = n
	return report, err
}

// replay sends one event and updates the queue from the outcome. The
// returned error is set only for local failures or cancellation.
func (s *Syncer) replay(ctx context.Context, e *model.PendingEvent) (Result, error) {
	res := Result{Seq: e.Seq, Kind: Kind(e.Kind), ReservationID: e.ReservationID}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	ref, sendErr := s.send(reqCtx, e)
	cancel()

	if sendErr != nil && ctx.Err() != nil {
		// Cancelled by the caller; the attempt does not count.
		return res, ctx.Err()
	}

	res.Event = ref
	res.Err = sendErr
	res.Outcome = s.classify(e, sendErr)

	switch res.Outcome {
	case OutcomeSynced:
		log.Printf("Synced %s for reservation %s", e.Kind, e.ReservationID)
	case OutcomeAlreadySynced:
		var sc *domain.StateConflictError
		errors.As(sendErr, &sc)
		res.Event = sc.Existing
		res.Err = nil
		log.Printf("%s for reservation %s was already synced as event %s", e.Kind, e.ReservationID, sc.Existing.ID)
	case OutcomeConflict, OutcomeRejected:
		log.Printf("Dropping %s for reservation %s: %v", e.Kind, e.ReservationID, sendErr)
	case OutcomeRetrying:
		attempts := e.Attempts + 1
		if attempts >= s.maxAttempts {
			res.Outcome = OutcomeDiscarded
			log.Printf("Discarding %s for reservation %s after %d attempts: %v", e.Kind, e.ReservationID, attempts, sendErr)
			break
		}
		next := s.clock.Now().Add(s.backoff(attempts))
		log.Printf("Will retry %s for reservation %s at %s: %v", e.Kind, e.ReservationID, next.Format(time.RFC3339), sendErr)
		return res, s.queue.Reschedule(ctx, e.Seq, attempts, next, sendErr.Error())
	}

	return res, s.queue.Remove(ctx, e.Seq)
}

func (s *Syncer) send(ctx context.Context, e *model.PendingEvent) (*domain.EventRef, error) {
	switch Kind(e.Kind) {
	case KindArrive:
		return s.remote.Arrive(ctx, e.ReservationID, e.Credential)
	case KindDepart:
		return s.remote.Depart(ctx, e.ReservationID, e.Credential)
	}
	return nil, fmt.Errorf("%w: unknown event kind %q", domain.ErrMalformed, e.Kind)
}

// classify applies the reconciliation policy. A conflict whose recorded
// event carries this event's credential, or for a credential-less
// departure the same subject, is this device's own earlier success.
func (s *Syncer) classify(e *model.PendingEvent, err error) Outcome {
	if err == nil {
		return OutcomeSynced
	}

	var sc *domain.StateConflictError
	if errors.As(err, &sc) {
		if sc.Existing != nil && ownEvent(e, sc.Existing) {
			return OutcomeAlreadySynced
		}
		return OutcomeConflict
	}

	if errors.Is(err, ErrUnavailable) {
		return OutcomeRetrying
	}
	switch domain.KindOf(err) {
	case domain.KindStorage, domain.KindTimeout, domain.KindIssuance:
		return OutcomeRetrying
	}
	return OutcomeRejected
}

func ownEvent(e *model.PendingEvent, existing *domain.EventRef) bool {
	if e.CredentialID != "" {
		return existing.CredentialID == e.CredentialID
	}
	return Kind(e.Kind) == KindDepart && existing.CredentialID == "" && e.SubjectID != "" && existing.SubjectID == e.SubjectID
}

func (s *Syncer) backoff(attempts int) time.Duration {
	d := s.baseBackoff
	for i := 1; i < attempts && d < s.maxBackoff; i++ {
		d *= 2
	}
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	return d
}

// Run flushes immediately and then every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	log.Println("Starting synchronizer...")

	s.flushAndLog(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Synchronizer shutting down.")
			return
		case <-timer.C:
			s.flushAndLog(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Syncer) flushAndLog(ctx context.Context) {
	report, err := s.Flush(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Flush failed: %v", err)
		return
	}
	if len(report.Results) > 0 {
		log.Printf("Flush finished: %d processed, %d remaining", len(report.Results), report.Remaining)
	}
}
