package model

import "time"

// PendingEvent is a transition recorded on the device while offline.
// Seq gives the replay order.
type PendingEvent struct {
	Seq           int64     `gorm:"primaryKey;autoIncrement"`
	Kind          string    `gorm:"size:16;not null"`
	ReservationID string    `gorm:"size:128;not null"`
	SubjectID     string    `gorm:"size:128"`
	Credential    string    `gorm:"type:text"`
	CredentialID  string    `gorm:"size:36"`
	EnqueuedAt    time.Time `gorm:"not null"`
	Attempts      int       `gorm:"not null;default:0"`
	NextAttemptAt time.Time `gorm:"not null"`
	LastError     string    `gorm:"type:text"`
}

// CachedCredential keeps the last credential received for a reservation so it
// can be presented without connectivity.
type CachedCredential struct {
	ReservationID string    `gorm:"primaryKey;size:128"`
	Phase         string    `gorm:"primaryKey;size:16"`
	Credential    string    `gorm:"type:text;not null"`
	CachedAt      time.Time `gorm:"not null"`
}
