package notification

import (
	"context"

	"checkin-backend/internal/model"
)

// PaymentCapturer captures the held payment of a reservation once the guest
// has checked in. It returns the provider's payment id.
type PaymentCapturer interface {
	Capture(ctx context.Context, e model.OccupancyEvent) (string, error)
}

// DoorOpener releases the unit's door after check-in.
type DoorOpener interface {
	Open(ctx context.Context, e model.OccupancyEvent) error
}

// PaymentCapturerFunc adapts a function to PaymentCapturer.
type PaymentCapturerFunc func(ctx context.Context, e model.OccupancyEvent) (string, error)

func (f PaymentCapturerFunc) Capture(ctx context.Context, e model.OccupancyEvent) (string, error) {
	return f(ctx, e)
}

// DoorOpenerFunc adapts a function to DoorOpener.
type DoorOpenerFunc func(ctx context.Context, e model.OccupancyEvent) error

func (f DoorOpenerFunc) Open(ctx context.Context, e model.OccupancyEvent) error {
	return f(ctx, e)
}
