package notification

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Message is the push payload delivered to the guest's browser.
type Message struct {
	Title         string       `json:"title"`
	Body          string       `json:"body"`
	ReservationID string       `json:"reservationId"`
	Phase         domain.Phase `json:"phase"`
}

// DefaultJobTimeout bounds the hooks run for a single event.
const DefaultJobTimeout = 30 * time.Second

// WorkerPool runs the post-commit hooks of occupancy events.
type WorkerPool struct {
	size       int
	jobTimeout time.Duration
	jobs     chan model.OccupancyEvent
	store    store.Store
	webpush  *webpush.Options
	sender   NotificationSender
	payments PaymentCapturer
	doors    DoorOpener
}

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithPaymentCapturer sets the hook run on ARRIVAL to capture payment.
func WithPaymentCapturer(p PaymentCapturer) Option {
	return func(wp *WorkerPool) { wp.payments = p }
}

// WithDoorOpener sets the hook run on ARRIVAL to open the door.
func WithDoorOpener(d DoorOpener) Option {
	return func(wp *WorkerPool) { wp.doors = d }
}

// WithJobTimeout bounds the time spent on one event's hooks.
func WithJobTimeout(d time.Duration) Option {
	return func(wp *WorkerPool) { wp.jobTimeout = d }
}

// NewWorkerPool creates a new worker pool. Push is skipped when
// webpushOptions is nil.
func NewWorkerPool(size int, s store.Store, webpushOptions *webpush.Options, opts ...Option) *WorkerPool {
	wp := &WorkerPool{
		size:       size,
		jobTimeout: DefaultJobTimeout,
		jobs:       make(chan model.OccupancyEvent, size*8),
		store:      s,
		webpush:    webpushOptions,
		sender:     &WebPushSender{},
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Worker %d started", id)
	for {
		select {
		case e := <-wp.jobs:
			log.Printf("Worker %d processing %s event %s for reservation %s", id, e.Phase, e.ID, e.ReservationID)
			wp.process(ctx, e)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a committed event without blocking. When the queue is
// full the event's hooks are skipped and its ancillary flags stay unset.
func (wp *WorkerPool) Dispatch(e model.OccupancyEvent) {
	select {
	case wp.jobs <- e:
	default:
		log.Printf("Hook queue full; skipping hooks for %s event %s on reservation %s", e.Phase, e.ID, e.ReservationID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.OccupancyEvent {
	return wp.jobs
}

func (wp *WorkerPool) process(ctx context.Context, e model.OccupancyEvent) {
	ctx, cancel := context.WithTimeout(ctx, wp.jobTimeout)
	defer cancel()

	if domain.Phase(e.Phase) == domain.PhaseArrival {
		wp.capturePayment(ctx, e)
		wp.openDoor(ctx, e)
	}
	wp.notifySubject(ctx, e)
}

func (wp *WorkerPool) capturePayment(ctx context.Context, e model.OccupancyEvent) {
	if wp.payments == nil || e.PaymentCaptured {
		return
	}
	paymentID, err := wp.payments.Capture(ctx, e)
	if err != nil {
		log.Printf("Payment capture failed for reservation %s: %v", e.ReservationID, err)
		return
	}
	if err := wp.store.MarkPaymentCaptured(ctx, e.ID, paymentID); err != nil {
		log.Printf("Failed to record payment %s for event %s: %v", paymentID, e.ID, err)
	}
}

func (wp *WorkerPool) openDoor(ctx context.Context, e model.OccupancyEvent) {
	if wp.doors == nil || e.DoorOpened {
		return
	}
	if err := wp.doors.Open(ctx, e); err != nil {
		log.Printf("Door opening failed for reservation %s: %v", e.ReservationID, err)
		return
	}
	if err := wp.store.MarkDoorOpened(ctx, e.ID); err != nil {
		log.Printf("Failed to record door opening for event %s: %v", e.ID, err)
	}
}

func (wp *WorkerPool) notifySubject(ctx context.Context, e model.OccupancyEvent) {
	if wp.webpush == nil {
		return
	}
	subscriptions, err := wp.store.ListSubscriptionsForSubject(ctx, e.SubjectID)
	if err != nil {
		log.Printf("Error fetching subscriptions for subject %s: %v", e.SubjectID, err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(messageFor(e))
	if err != nil {
		log.Printf("Error encoding notification for event %s: %v", e.ID, err)
		return
	}

	log.Printf("Sending %d notifications for reservation %s", len(subscriptions), e.ReservationID)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func messageFor(e model.OccupancyEvent) Message {
	m := Message{ReservationID: e.ReservationID, Phase: domain.Phase(e.Phase)}
	switch m.Phase {
	case domain.PhaseArrival:
		m.Title = "Checked in"
		m.Body = "Welcome! Your check-in for reservation " + e.ReservationID + " is complete."
	case domain.PhaseDeparture:
		m.Title = "Checked out"
		m.Body = "Thanks for staying. Your check-out for reservation " + e.ReservationID + " is complete."
	}
	return m
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
