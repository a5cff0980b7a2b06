package api

import (
	"context"

	"chat-gateway/internal/models"
	"chat-gateway/internal/services/realtime"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The handlers declare only the methods they call. The GORM repository and the
realtime manager satisfy these without knowing this package exists, and the
handler tests swap in small fakes.
*/

// SessionService is the part of the session store the HTTP surface reads.
type SessionService interface {
	CreateSession(ctx context.Context, userID string, in *models.SessionCreate) (*models.ChatSession, error)
	GetSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error)
	GetChatHistory(ctx context.Context, sessionID, userID string, limit, offset int) (*models.HistoryPage, error)
}

// MessageRelay submits messages through the same path websocket clients use.
type MessageRelay interface {
	SendMessage(ctx context.Context, req realtime.SendRequest) (*models.Message, error)
	SendMessageStream(ctx context.Context, req realtime.SendRequest, sink realtime.Sink) (*models.Message, <-chan struct{}, error)
}

// Gateway reports the realtime layer's state.
type Gateway interface {
	Snapshot() realtime.MetricsSnapshot
}
