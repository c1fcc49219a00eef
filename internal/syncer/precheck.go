package syncer

import (
	"fmt"
	"time"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/token"
)

// Precheck is the device-side sanity check of a scanned credential before
// it is queued or sent: it decodes, must belong to reservationID and must
// not be expired at now. It cannot verify the signature or the used flag;
// only the server decides whether a credential is valid.
func Precheck(wire, reservationID string, now time.Time) (token.Payload, error) {
	p, _, err := token.Decode(wire)
	if err != nil {
		return token.Payload{}, err
	}
	if reservationID != "" && p.ReservationID != reservationID {
		return token.Payload{}, fmt.Errorf("%w: credential is for reservation %s", domain.ErrReservationMismatch, p.ReservationID)
	}
	if !now.Before(p.ExpiresAt) {
		return token.Payload{}, domain.ErrExpired
	}
	return p, nil
}
