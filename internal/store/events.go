package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
)

// CreateEvent inserts an occupancy event. A second event for the same
// reservation and phase is rejected by the unique index with ErrDuplicate.
func (s *gormStore) CreateEvent(ctx context.Context, e *model.OccupancyEvent) error {
	if err := s.conn(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return wrap("create occupancy event", err)
	}
	return nil
}

// FindEvent returns nil without error when no event exists.
func (s *gormStore) FindEvent(ctx context.Context, reservationID string, phase domain.Phase) (*model.OccupancyEvent, error) {
	var e model.OccupancyEvent
	err := s.conn(ctx).
		Where("reservation_id = ? AND phase = ?", reservationID, string(phase)).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find occupancy event", err)
	}
	return &e, nil
}

func (s *gormStore) FindEventByID(ctx context.Context, id string) (*model.OccupancyEvent, error) {
	var e model.OccupancyEvent
	err := s.conn(ctx).Where("id = ?", id).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("find occupancy event", err)
	}
	return &e, nil
}

func (s *gormStore) ListEvents(ctx context.Context, reservationID string) ([]model.OccupancyEvent, error) {
	var events []model.OccupancyEvent
	if err := s.conn(ctx).
		Where("reservation_id = ?", reservationID).
		Order("occurred_at ASC").
		Find(&events).Error; err != nil {
		return nil, wrap("list occupancy events", err)
	}
	return events, nil
}

func (s *gormStore) MarkPaymentCaptured(ctx context.Context, eventID, paymentID string) error {
	err := s.conn(ctx).
		Model(&model.OccupancyEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"payment_captured": true, "payment_id": paymentID}).Error
	return wrap("mark payment captured", err)
}

func (s *gormStore) MarkDoorOpened(ctx context.Context, eventID string) error {
	err := s.conn(ctx).
		Model(&model.OccupancyEvent{}).
		Where("id = ?", eventID).
		Update("door_opened", true).Error
	return wrap("mark door opened", err)
}
