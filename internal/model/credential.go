package model

import "time"

// Credential is the persisted record of an issued check-in or check-out token.
type Credential struct {
	ID            string    `gorm:"primaryKey;size:36"`
	LookupKey     string    `gorm:"uniqueIndex;size:64;not null"`
	ReservationID string    `gorm:"index:idx_credential_reservation_phase;size:128;not null"`
	SubjectID     string    `gorm:"size:128;not null"`
	Phase         string    `gorm:"index:idx_credential_reservation_phase;size:16;not null"`
	LinkedEventID string    `gorm:"size:36"`
	Signature     string    `gorm:"size:64;not null"`
	IssuedAt      time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null"`
	Used          bool      `gorm:"not null;default:false"`
	UsedAt        *time.Time
}
