package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"checkin-backend/internal/model"
)

func (s *gormStore) CreateCredential(ctx context.Context, c *model.Credential) error {
	if err := s.conn(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return wrap("create credential", err)
	}
	return nil
}

func (s *gormStore) FindCredentialByLookupKey(ctx context.Context, key string) (*model.Credential, error) {
	var c model.Credential
	err := s.conn(ctx).Where("lookup_key = ?", key).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("find credential", err)
	}
	return &c, nil
}

func (s *gormStore) RedeemCredential(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.conn(ctx).
		Model(&model.Credential{}).
		Where("id = ? AND used = ?", id, false).
		Updates(map[string]any{"used": true, "used_at": at})
	if res.Error != nil {
		return false, wrap("redeem credential", res.Error)
	}
	return res.RowsAffected == 1, nil
}
