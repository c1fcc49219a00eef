// Package token issues, encodes and validates the single-use credentials
// that guests present as QR codes at arrival and departure.
//
// The wire form is compact JSON. Its signature is an HMAC-SHA256 over the
// canonical payload: the fields below, in declaration order, RFC 3339 UTC
// timestamps at second precision, no insignificant whitespace. Decoding
// rebuilds the canonical bytes from the parsed fields, so the presented
// member order or spacing never affects verification.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"checkin-backend/internal/domain"
)

// Payload is the signed part of a credential.
type Payload struct {
	ID            string
	ReservationID string
	SubjectID     string
	Phase         domain.Phase
	LinkedEventID string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// canonical mirrors Payload with the fixed member order used for signing.
type canonical struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservationId"`
	SubjectID     string `json:"subjectId"`
	Phase         string `json:"phase"`
	LinkedEventID string `json:"linkedEventId,omitempty"`
	IssuedAt      string `json:"issuedAt"`
	ExpiresAt     string `json:"expiresAt"`
}

// wire is the canonical payload plus its signature.
type wire struct {
	canonical
	Signature string `json:"sig"`
}

// presented accepts any member order and detects absent fields.
type presented struct {
	ID            *string `json:"id"`
	ReservationID *string `json:"reservationId"`
	SubjectID     *string `json:"subjectId"`
	Phase         *string `json:"phase"`
	LinkedEventID string  `json:"linkedEventId"`
	IssuedAt      *string `json:"issuedAt"`
	ExpiresAt     *string `json:"expiresAt"`
	Signature     *string `json:"sig"`
}

// Normalize truncates timestamps to the precision carried on the wire.
func (p Payload) Normalize() Payload {
	p.IssuedAt = p.IssuedAt.UTC().Truncate(time.Second)
	p.ExpiresAt = p.ExpiresAt.UTC().Truncate(time.Second)
	return p
}

func (p Payload) toCanonical() canonical {
	n := p.Normalize()
	return canonical{
		ID:            n.ID,
		ReservationID: n.ReservationID,
		SubjectID:     n.SubjectID,
		Phase:         string(n.Phase),
		LinkedEventID: n.LinkedEventID,
		IssuedAt:      n.IssuedAt.Format(time.RFC3339),
		ExpiresAt:     n.ExpiresAt.Format(time.RFC3339),
	}
}

// Canonical returns the exact bytes covered by the signature.
func (p Payload) Canonical() []byte {
	b, err := json.Marshal(p.toCanonical())
	if err != nil {
		// Only strings are marshalled; this cannot fail.
		panic(fmt.Sprintf("token: marshal canonical payload: %v", err))
	}
	return b
}

// LookupKey is the deterministic digest under which the credential is stored.
func (p Payload) LookupKey() string {
	sum := sha256.Sum256(p.Canonical())
	return hex.EncodeToString(sum[:])
}

// Sign computes the keyed digest of the canonical payload.
func Sign(p Payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(p.Canonical())
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify compares sig against the expected signature in constant time.
func Verify(p Payload, sig string, secret []byte) bool {
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(p.Canonical())
	return hmac.Equal(got, mac.Sum(nil))
}

// Encode signs p and returns its wire form.
func Encode(p Payload, secret []byte) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(wire{canonical: p.toCanonical(), Signature: Sign(p, secret)})
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return string(b), nil
}

// Decode parses a wire form. It does not verify the signature; it returns
// the presented one for the validator to check.
func Decode(s string) (Payload, string, error) {
	var in presented
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return Payload{}, "", fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	required := []struct {
		name string
		v    *string
	}{
		{"id", in.ID},
		{"reservationId", in.ReservationID},
		{"subjectId", in.SubjectID},
		{"phase", in.Phase},
		{"issuedAt", in.IssuedAt},
		{"expiresAt", in.ExpiresAt},
		{"sig", in.Signature},
	}
	for _, f := range required {
		if f.v == nil || *f.v == "" {
			return Payload{}, "", fmt.Errorf("%w: missing field %q", domain.ErrMalformed, f.name)
		}
	}

	phase, err := domain.ParsePhase(*in.Phase)
	if err != nil {
		return Payload{}, "", fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	issuedAt, err := time.Parse(time.RFC3339, *in.IssuedAt)
	if err != nil {
		return Payload{}, "", fmt.Errorf("%w: issuedAt: %v", domain.ErrMalformed, err)
	}
	expiresAt, err := time.Parse(time.RFC3339, *in.ExpiresAt)
	if err != nil {
		return Payload{}, "", fmt.Errorf("%w: expiresAt: %v", domain.ErrMalformed, err)
	}

	p := Payload{
		ID:            *in.ID,
		ReservationID: *in.ReservationID,
		SubjectID:     *in.SubjectID,
		Phase:         phase,
		LinkedEventID: in.LinkedEventID,
		IssuedAt:      issuedAt.UTC(),
		ExpiresAt:     expiresAt.UTC(),
	}
	if err := p.validate(); err != nil {
		return Payload{}, "", err
	}
	return p, *in.Signature, nil
}

func (p Payload) validate() error {
	switch {
	case p.ID == "", p.ReservationID == "", p.SubjectID == "":
		return fmt.Errorf("%w: empty identifier", domain.ErrMalformed)
	case !p.Phase.Valid():
		return fmt.Errorf("%w: unknown phase %q", domain.ErrMalformed, p.Phase)
	case p.IssuedAt.IsZero(), p.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing timestamps", domain.ErrMalformed)
	case !p.ExpiresAt.Truncate(time.Second).After(p.IssuedAt.Truncate(time.Second)):
		return fmt.Errorf("%w: expiresAt must follow issuedAt", domain.ErrMalformed)
	}
	return nil
}
