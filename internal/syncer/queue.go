package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
)

// ErrNotCached is returned when no credential is cached for a reservation.
var ErrNotCached = errors.New("no cached credential")

// Queue is the durable FIFO of pending events, kept in the agent's local
// SQLite file together with the credential cache.
type Queue struct {
	db *gorm.DB
}

// NewQueue wraps an opened local database (see db.InitLocal).
func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Append adds e at the tail and assigns its sequence number.
func (q *Queue) Append(ctx context.Context, e *model.PendingEvent) error {
	if err := q.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append pending event: %w", err)
	}
	return nil
}

// Head returns the oldest pending event, or nil when the queue is empty.
func (q *Queue) Head(ctx context.Context) (*model.PendingEvent, error) {
	var e model.PendingEvent
	err := q.db.WithContext(ctx).Order("seq ASC").Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue head: %w", err)
	}
	return &e, nil
}

// List returns every pending event in replay order.
func (q *Queue) List(ctx context.Context) ([]model.PendingEvent, error) {
	var events []model.PendingEvent
	if err := q.db.WithContext(ctx).Order("seq ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return events, nil
}

// Len returns the number of pending events.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&model.PendingEvent{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return int(n), nil
}

// Remove deletes the event with the given sequence number.
func (q *Queue) Remove(ctx context.Context, seq int64) error {
	if err := q.db.WithContext(ctx).Delete(&model.PendingEvent{}, seq).Error; err != nil {
		return fmt.Errorf("remove pending event %d: %w", seq, err)
	}
	return nil
}

// Reschedule records a failed attempt and when to try again.
func (q *Queue) Reschedule(ctx context.Context, seq int64, attempts int, next time.Time, lastErr string) error {
	err := q.db.WithContext(ctx).
		Model(&model.PendingEvent{}).
		Where("seq = ?", seq).
		Updates(map[string]any{"attempts": attempts, "next_attempt_at": next, "last_error": lastErr}).Error
	if err != nil {
		return fmt.Errorf("reschedule pending event %d: %w", seq, err)
	}
	return nil
}

// CacheCredential stores the latest credential of a reservation and phase,
// replacing any earlier one.
func (q *Queue) CacheCredential(ctx context.Context, reservationID string, phase domain.Phase, wire string, at time.Time) error {
	c := model.CachedCredential{ReservationID: reservationID, Phase: string(phase), Credential: wire, CachedAt: at}
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reservation_id"}, {Name: "phase"}},
		DoUpdates: clause.AssignmentColumns([]string{"credential", "cached_at"}),
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("cache credential: %w", err)
	}
	return nil
}

// CachedCredential returns the cached credential or ErrNotCached.
func (q *Queue) CachedCredential(ctx context.Context, reservationID string, phase domain.Phase) (*model.CachedCredential, error) {
	var c model.CachedCredential
	err := q.db.WithContext(ctx).
		Where("reservation_id = ? AND phase = ?", reservationID, string(phase)).
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("read cached credential: %w", err)
	}
	return &c, nil
}
