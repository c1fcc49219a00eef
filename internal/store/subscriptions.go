package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"checkin-backend/internal/model"
)

func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_id", "p256dh", "auth"}),
	}).Create(sub).Error
	return wrap("upsert subscription", err)
}

func (s *gormStore) FindSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.conn(ctx).First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("find subscription", err)
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return wrap("delete subscription", s.conn(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error)
}

func (s *gormStore) ListSubscriptionsForSubject(ctx context.Context, subjectID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.conn(ctx).Where("subject_id = ?", subjectID).Find(&subs).Error; err != nil {
		return nil, wrap("list subscriptions", err)
	}
	return subs, nil
}
