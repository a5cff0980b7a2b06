package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-gateway/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepositoryImpl is the durable session store: sessions, messages and
// mirrored typing flags. Every read or write of a session is access-checked
// against the owning user.
type SessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

// CreateSession creates a session owned by userID.
func (r *SessionRepositoryImpl) CreateSession(ctx context.Context, userID string, in *models.SessionCreate) (*models.ChatSession, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "New chat"
	}

	session := &models.ChatSession{
		UserID:   userID,
		Title:    title,
		Settings: in.Settings,
	}

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetSession fetches a session if userID owns it.
func (r *SessionRepositoryImpl) GetSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	return r.getOwnedSession(r.db.WithContext(ctx), sessionID, userID)
}

func (r *SessionRepositoryImpl) getOwnedSession(tx *gorm.DB, sessionID, userID string) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if session.UserID != userID {
		return nil, ErrAccessDenied
	}

	return &session, nil
}

// SendMessage stores a message at the end of the session and bumps the
// session's last activity. The session row is locked for the transaction, so
// concurrent writers to one session take order indexes one at a time; the
// unique (session_id, order_index) index backs that up.
func (r *SessionRepositoryImpl) SendMessage(ctx context.Context, in *models.MessageCreate) (*models.Message, error) {
	if strings.TrimSpace(in.Content) == "" || !in.Type.IsValid() {
		return nil, ErrInvalidMessage
	}

	msg := &models.Message{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Content:   in.Content,
		Type:      in.Type,
		Metadata:  in.Metadata.Normalized(),
	}
	if in.ParentMessageID != "" {
		parent := in.ParentMessageID
		msg.ParentMessageID = &parent
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked := tx.Clauses(clause.Locking{Strength: "UPDATE"})
		if _, err := r.getOwnedSession(locked, in.SessionID, in.UserID); err != nil {
			return err
		}

		var maxOrder int
		if err := tx.Model(&models.Message{}).
			Where("session_id = ?", in.SessionID).
			Select("COALESCE(MAX(order_index), 0)").
			Scan(&maxOrder).Error; err != nil {
			return fmt.Errorf("failed to compute order index: %w", err)
		}
		msg.OrderIndex = maxOrder + 1

		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}

		return tx.Model(&models.ChatSession{}).
			Where("id = ?", in.SessionID).
			Update("last_activity", time.Now()).Error
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// GetChatHistory returns the most recent messages of a session, skipping the
// newest offset messages, oldest first.
func (r *SessionRepositoryImpl) GetChatHistory(ctx context.Context, sessionID, userID string, limit, offset int) (*models.HistoryPage, error) {
	db := r.db.WithContext(ctx)
	if _, err := r.getOwnedSession(db, sessionID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := db.Model(&models.Message{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	var messages []*models.Message
	if err := db.Where("session_id = ?", sessionID).
		Order("order_index DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return &models.HistoryPage{
		Messages:   messages,
		TotalCount: total,
		HasMore:    int64(offset+len(messages)) < total,
	}, nil
}

// GetHistoryUntil returns up to limit messages of a session ending at
// messageID, oldest first. Messages stored after messageID are left out.
func (r *SessionRepositoryImpl) GetHistoryUntil(ctx context.Context, sessionID, userID, messageID string, limit int) ([]*models.Message, error) {
	db := r.db.WithContext(ctx)
	if _, err := r.getOwnedSession(db, sessionID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}

	var anchor models.Message
	if err := db.Select("order_index").
		Where("id = ? AND session_id = ?", messageID, sessionID).
		First(&anchor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var messages []*models.Message
	if err := db.Where("session_id = ? AND order_index <= ?", sessionID, anchor.OrderIndex).
		Order("order_index DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// UpdateTypingStatus upserts the typing flag for a user in a session.
func (r *SessionRepositoryImpl) UpdateTypingStatus(ctx context.Context, sessionID, userID string, isTyping bool) error {
	status := &models.TypingStatus{
		SessionID: sessionID,
		UserID:    userID,
		IsTyping:  isTyping,
		UpdatedAt: time.Now(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_typing", "updated_at"}),
	}).Create(status).Error
	if err != nil {
		return fmt.Errorf("failed to update typing status: %w", err)
	}

	return nil
}

// GetTypingStatus returns the mirrored flag, or nil when none was recorded.
func (r *SessionRepositoryImpl) GetTypingStatus(ctx context.Context, sessionID, userID string) (*models.TypingStatus, error) {
	var status models.TypingStatus
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&status).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get typing status: %w", err)
	}
	return &status, nil
}
