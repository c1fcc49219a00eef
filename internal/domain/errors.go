package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformed           = errors.New("malformed credential")
	ErrExpired             = errors.New("credential expired")
	ErrAlreadyUsed         = errors.New("credential already used")
	ErrSignatureMismatch   = errors.New("credential signature invalid")
	ErrNotFound            = errors.New("credential not found")
	ErrPhaseMismatch       = errors.New("credential phase does not match transition")
	ErrReservationMismatch = errors.New("credential belongs to another reservation")

	ErrStateConflict        = errors.New("state conflict")
	ErrInsufficientEvidence = errors.New("insufficient evidence")
	ErrRejected             = errors.New("evidence rejected")

	ErrIssuance = errors.New("credential issuance failed")
	ErrStorage  = errors.New("storage failure")
)

// Kind is the closed set of error classes surfaced to callers.
type Kind string

const (
	KindNone                 Kind = ""
	KindMalformed            Kind = "malformed"
	KindExpired              Kind = "expired"
	KindAlreadyUsed          Kind = "already_used"
	KindSignatureMismatch    Kind = "signature_mismatch"
	KindNotFound             Kind = "not_found"
	KindPhaseMismatch        Kind = "phase_mismatch"
	KindReservationMismatch  Kind = "reservation_mismatch"
	KindStateConflict        Kind = "state_conflict"
	KindInsufficientEvidence Kind = "insufficient_evidence"
	KindRejected             Kind = "rejected"
	KindIssuance             Kind = "issuance"
	KindStorage              Kind = "storage"
	KindTimeout              Kind = "timeout"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrMalformed, KindMalformed},
	{ErrExpired, KindExpired},
	{ErrAlreadyUsed, KindAlreadyUsed},
	{ErrSignatureMismatch, KindSignatureMismatch},
	{ErrNotFound, KindNotFound},
	{ErrPhaseMismatch, KindPhaseMismatch},
	{ErrReservationMismatch, KindReservationMismatch},
	{ErrStateConflict, KindStateConflict},
	{ErrInsufficientEvidence, KindInsufficientEvidence},
	{ErrRejected, KindRejected},
	{ErrIssuance, KindIssuance},
	{ErrStorage, KindStorage},
	{context.DeadlineExceeded, KindTimeout},
}

// KindOf classifies err. Unknown non-nil errors are treated as storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindStorage
}

// Expected reports whether k is a validation or transition outcome rather
// than an infrastructure failure.
func (k Kind) Expected() bool {
	switch k {
	case KindMalformed, KindExpired, KindAlreadyUsed, KindSignatureMismatch, KindNotFound,
		KindPhaseMismatch, KindReservationMismatch, KindStateConflict, KindInsufficientEvidence, KindRejected:
		return true
	case KindNone, KindIssuance, KindStorage, KindTimeout:
		return false
	}
	return false
}

// EventRef describes an already committed occupancy event.
type EventRef struct {
	ID           string    `json:"id"`
	Phase        Phase     `json:"phase"`
	CredentialID string    `json:"credentialId,omitempty"`
	SubjectID    string    `json:"subjectId"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// StateConflictError is returned when a transition's precondition on the
// reservation's event history does not hold.
type StateConflictError struct {
	ReservationID string
	Phase         Phase
	Current       State
	Reason        string
	// Existing is set when an event for Phase is already recorded.
	Existing *EventRef
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on reservation %s (%s): %s", e.ReservationID, e.Phase, e.Reason)
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// InsufficientEvidenceError reports how far a reservation is from the evidence minimum.
type InsufficientEvidenceError struct {
	Phase    Phase
	Current  int
	Required int
}

func (e *InsufficientEvidenceError) Error() string {
	return fmt.Sprintf("minimum %d photos required for %s, have %d", e.Required, e.Phase, e.Current)
}

func (e *InsufficientEvidenceError) Is(target error) bool { return target == ErrInsufficientEvidence }

// RejectionError rejects an evidence upload. Index is the offending batch
// position, or -1 when the batch as a whole is out of bounds.
type RejectionError struct {
	Index  int
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Index < 0 {
		return "evidence rejected: " + e.Reason
	}
	return fmt.Sprintf("evidence item %d rejected: %s", e.Index, e.Reason)
}

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }
