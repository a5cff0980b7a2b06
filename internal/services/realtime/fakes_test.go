package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-gateway/internal/models"
	"chat-gateway/internal/repository"

	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory SessionStore with the repository's access rules.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	messages map[string][]*models.Message
	nextID   int

	sendCalls   int
	typingCalls []typingCall

	getSessionHook func(sessionID string) error
	sendHook       func(in *models.MessageCreate) error
	typingHook     func(isTyping bool)
	historyErr     error
	typingErr      error
}

type typingCall struct {
	SessionID string
	UserID    string
	IsTyping  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]*models.Message),
	}
}

func (s *fakeStore) addSession(id, owner string) *models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := &models.ChatSession{
		ID:           id,
		UserID:       owner,
		Title:        "chat " + id,
		Status:       models.SessionStatusActive,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	s.sessions[id] = session
	return session
}

func (s *fakeStore) check(sessionID, userID string) (*models.ChatSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, repository.ErrAccessDenied
	}
	return session, nil
}

func (s *fakeStore) GetSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	s.mu.Lock()
	hook := s.getSessionHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(sessionID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.check(sessionID, userID)
	if err != nil {
		return nil, err
	}
	cp := *session
	return &cp, nil
}

func (s *fakeStore) SendMessage(ctx context.Context, in *models.MessageCreate) (*models.Message, error) {
	s.mu.Lock()
	s.sendCalls++
	hook := s.sendHook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(in); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.check(in.SessionID, in.UserID); err != nil {
		return nil, err
	}

	s.nextID++
	msg := &models.Message{
		ID:         fmt.Sprintf("m%d", s.nextID),
		SessionID:  in.SessionID,
		UserID:     in.UserID,
		Content:    in.Content,
		Type:       in.Type,
		Metadata:   in.Metadata.Normalized(),
		OrderIndex: len(s.messages[in.SessionID]) + 1,
		CreatedAt:  time.Now(),
	}
	if in.ParentMessageID != "" {
		parent := in.ParentMessageID
		msg.ParentMessageID = &parent
	}
	s.messages[in.SessionID] = append(s.messages[in.SessionID], msg)
	return msg, nil
}

func (s *fakeStore) GetChatHistory(ctx context.Context, sessionID, userID string, limit, offset int) (*models.HistoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	if _, err := s.check(sessionID, userID); err != nil {
		return nil, err
	}

	all := s.messages[sessionID]
	end := len(all) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := append([]*models.Message(nil), all[start:end]...)
	return &models.HistoryPage{Messages: page, TotalCount: int64(len(all)), HasMore: start > 0}, nil
}

func (s *fakeStore) GetHistoryUntil(ctx context.Context, sessionID, userID, messageID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	if _, err := s.check(sessionID, userID); err != nil {
		return nil, err
	}

	all := s.messages[sessionID]
	end := -1
	for i, m := range all {
		if m.ID == messageID {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return nil, repository.ErrMessageNotFound
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]*models.Message(nil), all[start:end]...), nil
}

func (s *fakeStore) UpdateTypingStatus(ctx context.Context, sessionID, userID string, isTyping bool) error {
	s.mu.Lock()
	hook := s.typingHook
	s.mu.Unlock()
	if hook != nil {
		hook(isTyping)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingCalls = append(s.typingCalls, typingCall{sessionID, userID, isTyping})
	return s.typingErr
}

// mirroredTyping is the last typing flag written for a user, as the store
// would hold it.
func (s *fakeStore) mirroredTyping(sessionID, userID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.typingCalls) - 1; i >= 0; i-- {
		c := s.typingCalls[i]
		if c.SessionID == sessionID && c.UserID == userID {
			return c.IsTyping, true
		}
	}
	return false, false
}

func (s *fakeStore) stored(sessionID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.messages[sessionID]...)
}

func (s *fakeStore) sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *fakeStore) typingMirrors() []typingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]typingCall(nil), s.typingCalls...)
}

// fakeGenerator runs script for every request.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []models.GenerationRequest
	script   func(ctx context.Context, req models.GenerationRequest, out chan<- models.StreamEvent)
	err      error
}

func (g *fakeGenerator) GenerateStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamEvent, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	script, err := g.script, g.err
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan models.StreamEvent)
	go func() {
		defer close(out)
		script(ctx, req, out)
	}()
	return out, nil
}

func (g *fakeGenerator) calls() []models.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.GenerationRequest(nil), g.requests...)
}

func emit(ctx context.Context, out chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func replyWith(chunks ...string) func(context.Context, models.GenerationRequest, chan<- models.StreamEvent) {
	return func(ctx context.Context, _ models.GenerationRequest, out chan<- models.StreamEvent) {
		for _, c := range chunks {
			if !emit(ctx, out, models.ChunkEvent(c)) {
				return
			}
		}
		emit(ctx, out, models.CompleteEvent(nil))
	}
}

func failAfter(err error, chunks ...string) func(context.Context, models.GenerationRequest, chan<- models.StreamEvent) {
	return func(ctx context.Context, _ models.GenerationRequest, out chan<- models.StreamEvent) {
		for _, c := range chunks {
			if !emit(ctx, out, models.ChunkEvent(c)) {
				return
			}
		}
		emit(ctx, out, models.ErrorEvent(err))
	}
}

func hangAfter(chunks ...string) func(context.Context, models.GenerationRequest, chan<- models.StreamEvent) {
	return func(ctx context.Context, _ models.GenerationRequest, out chan<- models.StreamEvent) {
		for _, c := range chunks {
			if !emit(ctx, out, models.ChunkEvent(c)) {
				return
			}
		}
		<-ctx.Done()
	}
}

type fakeVerifier struct {
	users map[string]*models.User
}

func (v fakeVerifier) VerifyToken(ctx context.Context, token string) (*models.User, error) {
	if u, ok := v.users[token]; ok {
		return u, nil
	}
	return nil, errors.New("invalid token")
}

// received is a decoded outbound frame.
type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (r received) decode(t *testing.T, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, dst))
}

func testConfig() Config {
	return Config{
		MaxMessageLength:  10000,
		HistoryLimit:      10,
		MaxQueuedPerChat:  16,
		GenerationTimeout: 2 * time.Second,
		StoreTimeout:      time.Second,
		IdleTimeout:       time.Minute,
		SweepInterval:     time.Hour,
		TypingQuietPeriod: time.Minute,
		MetricsInterval:   time.Hour,
		ShutdownGrace:     0,
		SendBufferSize:    512,
		EventRateLimit:    1000,
		EventRateBurst:    1000,
	}
}

func newTestManager(t *testing.T, store *fakeStore, gen *fakeGenerator, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	if gen == nil {
		gen = &fakeGenerator{script: replyWith("ok")}
	}
	m := NewManager(cfg, store, gen, fakeVerifier{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func connect(t *testing.T, m *Manager, userID string) *Connection {
	t.Helper()
	c, err := m.Accept(nil, &models.User{ID: userID, Username: userID})
	require.NoError(t, err)
	ev := next(t, c)
	require.Equal(t, EventConnected, ev.Event)
	return c
}

func frame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	require.NoError(t, err)
	return b
}

func send(t *testing.T, m *Manager, c *Connection, event string, data interface{}) {
	t.Helper()
	m.HandleEvent(context.Background(), c, frame(t, event, data))
}

func join(t *testing.T, m *Manager, c *Connection, sessionID string) {
	t.Helper()
	send(t, m, c, EventJoinSession, map[string]string{"session_id": sessionID})
	waitFor(t, c, EventSessionJoined)
}

// next returns the next queued frame for c.
func next(t *testing.T, c *Connection) received {
	t.Helper()
	select {
	case b := <-c.Outbound():
		var r received
		require.NoError(t, json.Unmarshal(b, &r))
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("connection %s: no event received", c.ID)
		return received{}
	}
}

// waitFor skips frames until one named event arrives.
func waitFor(t *testing.T, c *Connection, event string) received {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b := <-c.Outbound():
			var r received
			require.NoError(t, json.Unmarshal(b, &r))
			if r.Event == event {
				return r
			}
		case <-deadline:
			t.Fatalf("connection %s: %s not received", c.ID, event)
			return received{}
		}
	}
}

// collectUntil returns every frame up to and including the first named event.
func collectUntil(t *testing.T, c *Connection, event string) []received {
	t.Helper()
	var out []received
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b := <-c.Outbound():
			var r received
			require.NoError(t, json.Unmarshal(b, &r))
			out = append(out, r)
			if r.Event == event {
				return out
			}
		case <-deadline:
			t.Fatalf("connection %s: %s not received (got %d events)", c.ID, event, len(out))
			return out
		}
	}
}

// drain empties c's queue without blocking.
func drain(c *Connection) []received {
	var out []received
	for {
		select {
		case b := <-c.Outbound():
			var r received
			if json.Unmarshal(b, &r) == nil {
				out = append(out, r)
			}
		default:
			return out
		}
	}
}

func names(events []received) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}

func count(events []received, event string) int {
	n := 0
	for _, e := range events {
		if e.Event == event {
			n++
		}
	}
	return n
}
