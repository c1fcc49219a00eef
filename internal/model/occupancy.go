package model

import "time"

// OccupancyEvent is the authoritative record of a completed arrival or departure.
// At most one row per (reservation, phase) is allowed by the unique index.
type OccupancyEvent struct {
	ID              string    `gorm:"primaryKey;size:36"`
	ReservationID   string    `gorm:"uniqueIndex:idx_event_reservation_phase;size:128;not null"`
	Phase           string    `gorm:"uniqueIndex:idx_event_reservation_phase;size:16;not null"`
	SubjectID       string    `gorm:"index;size:128;not null"`
	CredentialID    string    `gorm:"size:36"`
	OccurredAt      time.Time `gorm:"not null"`
	PaymentCaptured bool      `gorm:"not null;default:false"`
	PaymentID       string    `gorm:"size:128"`
	DoorOpened      bool      `gorm:"not null;default:false"`
}
