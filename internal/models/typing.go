package models

import "time"

// TypingStatus mirrors the ephemeral typing flag kept by the gateway.
type TypingStatus struct {
	SessionID string    `json:"session_id" gorm:"type:varchar(64);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);primaryKey"`
	IsTyping  bool      `json:"is_typing" gorm:"not null;default:false"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (TypingStatus) TableName() string {
	return "typing_statuses"
}
