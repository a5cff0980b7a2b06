package realtime

import (
	"context"

	"chat-gateway/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The realtime core talks to three collaborators and declares only the methods
it calls. The GORM repository, the JWT verifier and the OpenAI generator
satisfy them in production; tests plug in in-memory fakes.
*/

// SessionStore is the durable chat persistence the core relies on.
// Reads and writes are access-checked against userID and report
// repository.ErrSessionNotFound / repository.ErrAccessDenied.
// GetHistoryUntil ends at messageID, so a queued generation never sees turns
// stored after the message it answers.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error)
	SendMessage(ctx context.Context, in *models.MessageCreate) (*models.Message, error)
	GetChatHistory(ctx context.Context, sessionID, userID string, limit, offset int) (*models.HistoryPage, error)
	GetHistoryUntil(ctx context.Context, sessionID, userID, messageID string, limit int) ([]*models.Message, error)
	UpdateTypingStatus(ctx context.Context, sessionID, userID string, isTyping bool) error
}

// ResponseGenerator produces an assistant reply as a stream of chunk events
// terminated by exactly one complete or error event.
type ResponseGenerator interface {
	GenerateStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamEvent, error)
}

// TokenVerifier exchanges an access token for the user it was issued to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*models.User, error)
}
