package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusArchived SessionStatus = "archived"
)

// ChatSession is a conversation owned by a single user.
type ChatSession struct {
	ID           string          `json:"id" gorm:"type:varchar(64);primaryKey"`
	UserID       string          `json:"user_id" gorm:"type:varchar(64);not null;index"`
	Title        string          `json:"title" gorm:"type:text;not null"`
	Status       SessionStatus   `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	Settings     SessionSettings `json:"settings" gorm:"type:jsonb"`
	CreatedAt    time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	LastActivity time.Time       `json:"last_activity" gorm:"column:last_activity;index"`
}

// SessionSettings controls how replies are generated for a session.
type SessionSettings struct {
	AIPersona       string   `json:"ai_persona,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	EnableRAG       bool     `json:"enable_rag,omitempty"`
	DocumentSources []string `json:"document_sources,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
}

// BeforeCreate generates KSUID
func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	if s.Status == "" {
		s.Status = SessionStatusActive
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = time.Now()
	}
	return nil
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

func (s *SessionSettings) Scan(value interface{}) error {
	if value == nil {
		*s = SessionSettings{}
		return nil
	}
	return scanJSON(value, s)
}

func (s SessionSettings) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// scanJSON decodes a jsonb column; postgres hands back []byte, sqlite may hand back string.
func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
}

type SessionCreate struct {
	Title    string          `json:"title"`
	Settings SessionSettings `json:"settings"`
}
