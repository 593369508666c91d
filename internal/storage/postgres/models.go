package postgres

import "time"

// SavedServerModel maps to the "saved_servers" table.
type SavedServerModel struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	Name      string    `gorm:"not null"`
	Code      string    `gorm:"type:text;not null"`
	Language  string    `gorm:"type:varchar(32);not null"`
	ServerID  string    `gorm:"type:varchar(64);not null;default:''"`
	SavedAt   time.Time `gorm:"not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SavedServerModel) TableName() string { return "saved_servers" }
