package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"checkin-backend/internal/domain"
)

// ErrUnavailable marks failures worth retrying: transport errors, timeouts
// and server-side faults.
var ErrUnavailable = errors.New("server unavailable")

// Remote performs transitions against the check-in server.
type Remote interface {
	Arrive(ctx context.Context, reservationID, credential string) (*domain.EventRef, error)
	Depart(ctx context.Context, reservationID, credential string) (*domain.EventRef, error)
}

// HTTPRemote is a Remote speaking the server's JSON API.
type HTTPRemote struct {
	baseURL string
	bearer  string
	client  *http.Client
}

// NewHTTPRemote creates a client for the server at baseURL. timeout bounds
// every request.
func NewHTTPRemote(baseURL, bearer string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		bearer:  bearer,
		client: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
			Timeout:   timeout,
		},
	}
}

type transitionRequest struct {
	ReservationID string `json:"reservationId"`
	Credential    string `json:"credential,omitempty"`
}

type eventBody struct {
	ID           string       `json:"id"`
	Phase        domain.Phase `json:"phase"`
	CredentialID string       `json:"credentialId"`
	SubjectID    string       `json:"subjectId"`
	OccurredAt   time.Time    `json:"occurredAt"`
}

type errorBody struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details"`
}

func (r *HTTPRemote) Arrive(ctx context.Context, reservationID, credential string) (*domain.EventRef, error) {
	return r.post(ctx, "/api/checkin", domain.PhaseArrival, transitionRequest{ReservationID: reservationID, Credential: credential})
}

func (r *HTTPRemote) Depart(ctx context.Context, reservationID, credential string) (*domain.EventRef, error) {
	return r.post(ctx, "/api/checkout", domain.PhaseDeparture, transitionRequest{ReservationID: reservationID, Credential: credential})
}

func (r *HTTPRemote) post(ctx context.Context, path string, phase domain.Phase, body transitionRequest) (*domain.EventRef, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: http request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var ev eventBody
		if err := json.Unmarshal(respBody, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		return &domain.EventRef{
			ID:           ev.ID,
			Phase:        ev.Phase,
			CredentialID: ev.CredentialID,
			SubjectID:    ev.SubjectID,
			OccurredAt:   ev.OccurredAt,
		}, nil
	}

	return nil, decodeError(resp.StatusCode, body.ReservationID, phase, respBody)
}

// decodeError rebuilds the typed domain error from a failed response.
func decodeError(status int, reservationID string, phase domain.Phase, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		if status >= 500 || status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d", ErrUnavailable, status)
		}
		return fmt.Errorf("unexpected status %d", status)
	}

	switch domain.Kind(body.Code) {
	case domain.KindStateConflict:
		var d struct {
			Current  domain.State     `json:"current"`
			Reason   string           `json:"reason"`
			Existing *domain.EventRef `json:"existing"`
		}
		_ = json.Unmarshal(body.Details, &d)
		return &domain.StateConflictError{
			ReservationID: reservationID,
			Phase:         phase,
			Current:       d.Current,
			Reason:        d.Reason,
			Existing:      d.Existing,
		}
	case domain.KindInsufficientEvidence:
		var d struct {
			Current  int `json:"current"`
			Required int `json:"required"`
		}
		_ = json.Unmarshal(body.Details, &d)
		return &domain.InsufficientEvidenceError{Phase: phase, Current: d.Current, Required: d.Required}
	case "bad_request":
		return fmt.Errorf("%w: %s", domain.ErrMalformed, body.Error)
	}

	for _, sentinel := range []error{
		domain.ErrMalformed, domain.ErrExpired, domain.ErrAlreadyUsed, domain.ErrSignatureMismatch,
		domain.ErrNotFound, domain.ErrPhaseMismatch, domain.ErrReservationMismatch, domain.ErrRejected,
	} {
		if domain.KindOf(sentinel) == domain.Kind(body.Code) {
			return fmt.Errorf("%w: %s", sentinel, body.Error)
		}
	}
	// internal_error, unauthorized and anything unknown.
	return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, body.Error)
}
