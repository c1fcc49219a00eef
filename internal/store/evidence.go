package store

import (
	"context"
	"time"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
)

func (s *gormStore) CountEvidence(ctx context.Context, reservationID string, phase domain.Phase) (int, error) {
	var n int64
	if err := s.conn(ctx).
		Model(&model.EvidenceItem{}).
		Where("reservation_id = ? AND phase = ?", reservationID, string(phase)).
		Count(&n).Error; err != nil {
		return 0, wrap("count evidence", err)
	}
	return int(n), nil
}

// CreateEvidence inserts all items in a single statement.
func (s *gormStore) CreateEvidence(ctx context.Context, items []model.EvidenceItem) error {
	if len(items) == 0 {
		return nil
	}
	return wrap("create evidence", s.conn(ctx).Create(&items).Error)
}

// ListEvidence returns a reservation's items, optionally restricted to one phase.
func (s *gormStore) ListEvidence(ctx context.Context, reservationID string, phase domain.Phase) ([]model.EvidenceItem, error) {
	q := s.conn(ctx).Where("reservation_id = ?", reservationID)
	if phase != "" {
		q = q.Where("phase = ?", string(phase))
	}
	var items []model.EvidenceItem
	if err := q.Order("uploaded_at DESC").Find(&items).Error; err != nil {
		return nil, wrap("list evidence", err)
	}
	return items, nil
}

func (s *gormStore) ListExpiredEvidence(ctx context.Context, now time.Time, limit int) ([]model.EvidenceItem, error) {
	var items []model.EvidenceItem
	if err := s.conn(ctx).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, wrap("list expired evidence", err)
	}
	return items, nil
}

func (s *gormStore) DeleteEvidence(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.conn(ctx).Where("id IN ?", ids).Delete(&model.EvidenceItem{})
	if res.Error != nil {
		return 0, wrap("delete evidence", res.Error)
	}
	return res.RowsAffected, nil
}
