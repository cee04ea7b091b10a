package model

import "time"

// Session scopes one conversation transcript to one user. PublicID is
// the opaque identifier handed to browsers.
type Session struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PublicID  string    `gorm:"size:36;uniqueIndex;not null" json:"public_id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"size:128;not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
