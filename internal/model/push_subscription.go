package model

import "time"

// PushSubscription holds the information for a guest's browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	SubjectID string    `gorm:"index;size:128;not null"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
