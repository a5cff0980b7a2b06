package realtime

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// SendRequest is a message submitted over any surface. Origin is the
// submitting connection on the realtime path and nil over HTTP.
type SendRequest struct {
	SessionID       string
	UserID          string
	Username        string
	Content         string
	Type            models.MessageType
	ParentMessageID string
	Origin          *Connection
}

// Relay validates, stores and broadcasts messages, then hands user messages
// to the orchestrator.
type Relay struct {
	store        SessionStore
	broker       *Broker
	typing       *TypingTracker
	orchestrator *Orchestrator
	metrics      *Metrics
	maxLength    int
	storeTimeout time.Duration
	locks        keyedMutex
}

func NewRelay(store SessionStore, broker *Broker, typing *TypingTracker, orchestrator *Orchestrator, metrics *Metrics, maxLength int, storeTimeout time.Duration) *Relay {
	if maxLength <= 0 {
		maxLength = 10000
	}
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	return &Relay{
		store:        store,
		broker:       broker,
		typing:       typing,
		orchestrator: orchestrator,
		metrics:      metrics,
		maxLength:    maxLength,
		storeTimeout: storeTimeout,
		locks:        keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// Validate checks the request before anything is stored. An empty type
// defaults to user.
func (r *Relay) Validate(req *SendRequest) error {
	if err := ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(req.Content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(req.Content) > r.maxLength {
		return ErrContentTooLong
	}
	if req.Type == "" {
		req.Type = models.MessageTypeUser
	}
	if !req.Type.IsValid() {
		return ErrInvalidMessageType
	}
	return nil
}

// SendMessage stores the message and broadcasts message_received to every
// member of the session, the sender's connections included. A user message
// then queues a generation broadcast to the session. It returns once the
// message is stored and broadcast.
//
// When the message is stored but its generation could not be queued, the
// message is returned together with the queueing error.
func (r *Relay) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	msg, _, err := r.send(ctx, req, nil)
	return msg, err
}

// SendMessageStream is SendMessage with the generation delivered to sink
// instead of the session. The returned channel closes when the generation is
// done; it is nil for non-user messages.
func (r *Relay) SendMessageStream(ctx context.Context, req SendRequest, sink Sink) (*models.Message, <-chan struct{}, error) {
	return r.send(ctx, req, sink)
}

func (r *Relay) send(ctx context.Context, req SendRequest, sink Sink) (*models.Message, <-chan struct{}, error) {
	if err := r.Validate(&req); err != nil {
		return nil, nil, err
	}

	ctx, span := middleware.StartSpan(ctx, "Relay.SendMessage",
		attribute.String("session.id", req.SessionID),
		attribute.String("user.id", req.UserID),
		attribute.Int("message.length", len(req.Content)),
	)
	defer span.End()

	unlock := r.locks.Lock(req.SessionID)

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	msg, err := r.store.SendMessage(storeCtx, &models.MessageCreate{
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		Content:         req.Content,
		Type:            req.Type,
		ParentMessageID: req.ParentMessageID,
	})
	cancel()
	if err != nil {
		unlock()
		log.Printf("❌ message store failed: session=%s user=%s kind=%s err=%v",
			req.SessionID, req.UserID, storeErrorKind(err), err)
		middleware.AddSpanError(ctx, err)
		r.metrics.errorOccurred()
		return nil, nil, classifyStoreError(err, ErrStorageFailed)
	}

	received := MessageReceivedEvent{
		Message:       msg,
		MessageID:     msg.ID,
		BroadcastTime: time.Now(),
	}
	r.broker.Broadcast(req.SessionID, EventMessageReceived, received, "")
	if req.Origin != nil && !r.broker.IsMember(req.SessionID, req.Origin.ID) {
		req.Origin.Send(EventMessageReceived, received)
	}
	if sink != nil {
		sink.Send(EventMessageReceived, received)
	}

	var (
		done     <-chan struct{}
		queueErr error
	)
	if msg.Type == models.MessageTypeUser && r.orchestrator != nil {
		done, queueErr = r.orchestrator.Enqueue(GenerationJob{
			SessionID:       req.SessionID,
			UserID:          req.UserID,
			UserMessage:     req.Content,
			ParentMessageID: msg.ID,
			Sink:            sink,
		})
		if queueErr != nil {
			log.Printf("⚠️  generation not queued: session=%s message=%s err=%v", req.SessionID, msg.ID, queueErr)
			r.metrics.errorOccurred()
		}
	}
	unlock()

	r.metrics.messageProcessed()
	if r.typing != nil {
		exclude := ""
		if req.Origin != nil {
			exclude = req.Origin.ID
		}
		r.typing.OnMessageSent(req.SessionID, req.UserID, req.Username, exclude)
	}

	return msg, done, queueErr
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
