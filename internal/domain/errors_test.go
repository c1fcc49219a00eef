package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Kind
	}{
		{name: "nil", err: nil, expected: KindNone},
		{name: "wrapped sentinel", err: fmt.Errorf("decode: %w", ErrMalformed), expected: KindMalformed},
		{name: "expired", err: ErrExpired, expected: KindExpired},
		{name: "state conflict", err: &StateConflictError{ReservationID: "R1", Phase: PhaseArrival}, expected: KindStateConflict},
		{name: "insufficient evidence", err: &InsufficientEvidenceError{Phase: PhaseDeparture, Current: 1, Required: 2}, expected: KindInsufficientEvidence},
		{name: "rejection", err: &RejectionError{Index: 0, Reason: "too large"}, expected: KindRejected},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), expected: KindTimeout},
		{name: "unknown error is storage", err: errors.New("disk on fire"), expected: KindStorage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, KindOf(tc.err))
		})
	}
}

func TestKindExpected(t *testing.T) {
	for _, k := range []Kind{KindMalformed, KindAlreadyUsed, KindStateConflict, KindRejected} {
		assert.True(t, k.Expected(), k)
	}
	for _, k := range []Kind{KindNone, KindStorage, KindTimeout, KindIssuance} {
		assert.False(t, k.Expected(), k)
	}
}

func TestRejectionErrorMessage(t *testing.T) {
	assert.Equal(t, "evidence item 2 rejected: unsupported type", (&RejectionError{Index: 2, Reason: "unsupported type"}).Error())
	assert.Equal(t, "evidence rejected: too many items", (&RejectionError{Index: -1, Reason: "too many items"}).Error())
}

func TestPhaseAndState(t *testing.T) {
	p, err := ParsePhase("DEPARTURE")
	assert.NoError(t, err)
	assert.Equal(t, PhaseDeparture, p)

	_, err = ParsePhase("departure")
	assert.Error(t, err)
	assert.False(t, Phase("").Valid())

	assert.Equal(t, StateNone, DeriveState(false, false))
	assert.Equal(t, StateCheckedIn, DeriveState(true, false))
	assert.Equal(t, StateCheckedOut, DeriveState(true, true))
}
