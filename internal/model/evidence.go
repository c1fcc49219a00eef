package model

import "time"

// EvidenceItem is the metadata of one uploaded room photo.
type EvidenceItem struct {
	ID            string    `gorm:"primaryKey;size:36"`
	ReservationID string    `gorm:"index:idx_evidence_reservation_phase;size:128;not null"`
	Phase         string    `gorm:"index:idx_evidence_reservation_phase;size:16;not null"`
	Reference     string    `gorm:"size:512;not null"`
	ContentType   string    `gorm:"size:64;not null"`
	SizeBytes     int64     `gorm:"not null"`
	CapturedBy    string    `gorm:"size:128;not null"`
	UploadedAt    time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"index;not null"`
}
