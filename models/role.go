package models

import "time"

// Role is an operator role. "administrator" unlocks the DLQ, rerun and
// delete surfaces; "worker" is the default for registered accounts.
type Role struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Name        string `gorm:"size:32;uniqueIndex;not null"`
	Description string `gorm:"size:255"`
}
