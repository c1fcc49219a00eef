package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"checkin-backend/internal/model"
)

// hookEvent is the body posted to payment and door webhooks.
type hookEvent struct {
	EventID       string    `json:"eventId"`
	ReservationID string    `json:"reservationId"`
	SubjectID     string    `json:"subjectId"`
	Phase         string    `json:"phase"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Webhook posts committed events to an external endpoint. It serves as both
// PaymentCapturer and DoorOpener.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook hook posting to url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// Capture posts e and reads the provider's payment id from the response.
func (w *Webhook) Capture(ctx context.Context, e model.OccupancyEvent) (string, error) {
	body, err := w.post(ctx, e)
	if err != nil {
		return "", err
	}
	var resp struct {
		PaymentID string `json:"paymentId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal payment response: %w", err)
	}
	if resp.PaymentID == "" {
		return "", fmt.Errorf("payment response from %s carries no paymentId", w.url)
	}
	return resp.PaymentID, nil
}

// Open posts e; any 2xx answer means the door was released.
func (w *Webhook) Open(ctx context.Context, e model.OccupancyEvent) error {
	_, err := w.post(ctx, e)
	return err
}

func (w *Webhook) post(ctx context.Context, e model.OccupancyEvent) ([]byte, error) {
	jsonBody, err := json.Marshal(hookEvent{
		EventID:       e.ID,
		ReservationID: e.ReservationID,
		SubjectID:     e.SubjectID,
		Phase:         e.Phase,
		OccurredAt:    e.OccurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hook %s answered %d", w.url, resp.StatusCode)
	}
	return body, nil
}
