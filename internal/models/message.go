package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeSystem    MessageType = "system"
)

func (m MessageType) IsValid() bool {
	switch m {
	case MessageTypeUser, MessageTypeAssistant, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// Message is one stored turn of a chat session.
// OrderIndex is assigned by the store and is strictly increasing per session.
type Message struct {
	ID              string          `json:"id" gorm:"type:varchar(64);primaryKey"`
	SessionID       string          `json:"session_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_session_order"`
	UserID          string          `json:"user_id" gorm:"type:varchar(64);not null;index"`
	Content         string          `json:"content" gorm:"type:text;not null"`
	Type            MessageType     `json:"type" gorm:"type:varchar(20);not null"`
	Metadata        MessageMetadata `json:"metadata" gorm:"type:jsonb"`
	ParentMessageID *string         `json:"parent_message_id,omitempty" gorm:"type:varchar(64);index"`
	OrderIndex      int             `json:"order_index" gorm:"not null;uniqueIndex:idx_session_order"`
	CreatedAt       time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

type MessageMetadata struct {
	SourceCitations map[string]string `json:"source_citations"`
	RelevanceScore  float64           `json:"relevance_score"`
	Tags            []string          `json:"tags"`
	ModelUsed       string            `json:"model_used"`
	TokenCount      int               `json:"token_count"`
	ResponseTimeMs  int64             `json:"response_time_ms"`
	ProcessingSteps []string          `json:"processing_steps"`
}

// BeforeCreate generates KSUID
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) IsUserMessage() bool {
	return m.Type == MessageTypeUser
}

// Normalized returns a copy with nil collections replaced by empty ones.
func (m MessageMetadata) Normalized() MessageMetadata {
	if m.SourceCitations == nil {
		m.SourceCitations = map[string]string{}
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.ProcessingSteps == nil {
		m.ProcessingSteps = []string{}
	}
	return m
}

func (m MessageMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (m *MessageMetadata) Scan(value interface{}) error {
	*m = MessageMetadata{}
	if value == nil {
		*m = m.Normalized()
		return nil
	}
	if err := scanJSON(value, m); err != nil {
		return err
	}
	*m = m.Normalized()
	return nil
}

func (m MessageMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m.Normalized())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// HistoryPage is one page of a session's messages, oldest first.
type HistoryPage struct {
	Messages   []*Message `json:"messages"`
	TotalCount int64      `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

// MessageCreate is the input for storing a message.
type MessageCreate struct {
	SessionID       string
	UserID          string
	Content         string
	Type            MessageType
	Metadata        MessageMetadata
	ParentMessageID string
}
