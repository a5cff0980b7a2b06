package realtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"chat-gateway/internal/models"
)

// Server → client event names.
const (
	EventConnected          = "connected"
	EventSessionJoined      = "session_joined"
	EventSessionLeft        = "session_left"
	EventUserJoinedSession  = "user_joined_session"
	EventUserLeftSession    = "user_left_session"
	EventMessageReceived    = "message_received"
	EventMessageError       = "message_error"
	EventUserTypingStart    = "user_typing_start"
	EventUserTypingStop     = "user_typing_stop"
	EventAITypingStart      = "ai_typing_start"
	EventAITypingStop       = "ai_typing_stop"
	EventAIResponseChunk    = "ai_response_chunk"
	EventAIResponseComplete = "ai_response_complete"
	EventAIResponseError    = "ai_response_error"
	EventError              = "error"
	EventUserDisconnected   = "user_disconnected"
	EventServerShutdown     = "server_shutdown"
	EventPong               = "pong"
)

// Client → server event names.
const (
	EventJoinSession  = "join_session"
	EventLeaveSession = "leave_session"
	EventSendMessage  = "send_message"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventPing         = "ping"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func encodeEvent(event string, data interface{}) ([]byte, error) {
	b, err := json.Marshal(outboundEnvelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return b, nil
}

// Server payloads

type ConnectedEvent struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	ServerTime   time.Time `json:"server_time"`
}

// SessionSnapshot is the session view forwarded on join.
type SessionSnapshot struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Status       models.SessionStatus   `json:"status"`
	Settings     models.SessionSettings `json:"settings"`
	CreatedAt    time.Time              `json:"created_at"`
	LastActivity time.Time              `json:"last_activity"`
}

func snapshotOf(s *models.ChatSession) SessionSnapshot {
	return SessionSnapshot{
		ID:           s.ID,
		Title:        s.Title,
		Status:       s.Status,
		Settings:     s.Settings,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

type SessionJoinedEvent struct {
	SessionID string          `json:"session_id"`
	Session   SessionSnapshot `json:"session"`
	JoinedAt  time.Time       `json:"joined_at"`
}

type SessionLeftEvent struct {
	SessionID string    `json:"session_id"`
	LeftAt    time.Time `json:"left_at"`
}

// PresenceEvent is shared by the user_* presence and typing events.
type PresenceEvent struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageReceivedEvent struct {
	Message       *models.Message `json:"message"`
	MessageID     string          `json:"message_id"`
	BroadcastTime time.Time       `json:"broadcast_time"`
}

type MessageErrorEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Error     string `json:"error"`
}

type AITypingEvent struct {
	SessionID   string    `json:"session_id"`
	AIRequestID string    `json:"ai_request_id"`
	Timestamp   time.Time `json:"timestamp"`
}

type AIResponseChunkEvent struct {
	SessionID   string    `json:"session_id"`
	AIRequestID string    `json:"ai_request_id"`
	ChunkNumber int       `json:"chunk_number"`
	Content     string    `json:"content"`
	TotalLength int       `json:"total_length"`
	IsFinal     bool      `json:"is_final"`
	Timestamp   time.Time `json:"timestamp"`
}

type StreamingStats struct {
	TotalChunks     int     `json:"total_chunks"`
	ResponseLength  int     `json:"response_length"`
	ResponseTimeMs  int64   `json:"response_time_ms"`
	ChunksPerSecond float64 `json:"chunks_per_second"`
	WordsPerMinute  float64 `json:"words_per_minute"`
}

type AIResponseCompleteEvent struct {
	SessionID      string          `json:"session_id"`
	AIRequestID    string          `json:"ai_request_id"`
	Message        *models.Message `json:"message"`
	StreamingStats StreamingStats  `json:"streaming_stats"`
	IsFallback     bool            `json:"is_fallback"`
	Timestamp      time.Time       `json:"timestamp"`
}

type AIResponseErrorEvent struct {
	SessionID       string    `json:"session_id"`
	AIRequestID     string    `json:"ai_request_id"`
	Type            string    `json:"type"`
	Error           string    `json:"error"`
	PartialResponse string    `json:"partial_response"`
	Timestamp       time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	Event     string    `json:"event,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ServerShutdownEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type PongEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Client events

// ClientEvent is one of the decoded inbound variants below.
type ClientEvent interface {
	Name() string
}

type JoinSession struct {
	SessionID string `json:"session_id"`
}

type LeaveSession struct {
	SessionID string `json:"session_id"`
}

type SendMessage struct {
	SessionID       string             `json:"session_id"`
	Content         string             `json:"content"`
	Type            models.MessageType `json:"type,omitempty"`
	ParentMessageID string             `json:"parent_message_id,omitempty"`
}

type TypingStart struct {
	SessionID string `json:"session_id"`
}

type TypingStop struct {
	SessionID string `json:"session_id"`
}

type Ping struct{}

func (JoinSession) Name() string  { return EventJoinSession }
func (LeaveSession) Name() string { return EventLeaveSession }
func (SendMessage) Name() string  { return EventSendMessage }
func (TypingStart) Name() string  { return EventTypingStart }
func (TypingStop) Name() string   { return EventTypingStop }
func (Ping) Name() string         { return EventPing }

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSessionID rejects empty or malformed session ids.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// DecodeClientEvent parses a frame into its typed variant. The event name is
// returned even when the payload is rejected so errors can be attributed.
// Message content rules are checked by the relay, not here.
func DecodeClientEvent(raw []byte) (string, ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var (
		ev        ClientEvent
		sessionID string
		err       error
	)
	switch env.Event {
	case EventJoinSession:
		var p JoinSession
		err = decodeData(env.Data, &p)
		ev, sessionID = p, p.SessionID
	case EventLeaveSession:
		var p LeaveSession
		err = decodeData(env.Data, &p)
		ev, sessionID = p, p.SessionID
	case EventSendMessage:
		var p SendMessage
		err = decodeData(env.Data, &p)
		ev, sessionID = p, p.SessionID
	case EventTypingStart:
		var p TypingStart
		err = decodeData(env.Data, &p)
		ev, sessionID = p, p.SessionID
	case EventTypingStop:
		var p TypingStop
		err = decodeData(env.Data, &p)
		ev, sessionID = p, p.SessionID
	case EventPing:
		return env.Event, Ping{}, nil
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return env.Event, nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return env.Event, nil, err
	}
	return env.Event, ev, nil
}

func decodeData(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
