package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Config tunes the realtime core.
type Config struct {
	MaxMessageLength  int
	HistoryLimit      int
	MaxQueuedPerChat  int
	GenerationTimeout time.Duration
	StoreTimeout      time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	TypingQuietPeriod time.Duration
	MetricsInterval   time.Duration
	ShutdownGrace     time.Duration
	SendBufferSize    int
	EventRateLimit    float64
	EventRateBurst    int
}

// ConfigFrom copies the realtime settings out of the process config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxMessageLength:  cfg.MaxMessageLength,
		HistoryLimit:      cfg.HistoryLimit,
		MaxQueuedPerChat:  cfg.MaxQueuedPerChat,
		GenerationTimeout: cfg.GenerationTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		SweepInterval:     cfg.SweepInterval,
		TypingQuietPeriod: cfg.TypingQuietPeriod,
		MetricsInterval:   cfg.MetricsInterval,
		ShutdownGrace:     cfg.ShutdownGrace,
		SendBufferSize:    cfg.SendBufferSize,
		EventRateLimit:    cfg.EventRateLimit,
		EventRateBurst:    cfg.EventRateBurst,
	}
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.TypingQuietPeriod <= 0 {
		c.TypingQuietPeriod = 2 * time.Minute
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Minute
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.EventRateLimit <= 0 {
		c.EventRateLimit = 20
	}
	if c.EventRateBurst <= 0 {
		c.EventRateBurst = 40
	}
}

/*
LEARNING: CONNECTION LIFECYCLE

Connecting -> Authenticating -> Active -> (Idle-Timeout | Disconnected)

Authentication happens before a Connection exists, so a rejected client never
touches the registry. Disconnect is guarded by a per-connection flag: the read
pump, the idle sweeper and shutdown may all race to disconnect the same
connection and only the first one runs the cleanup.
*/

// Manager owns the realtime core and every live connection.
type Manager struct {
	cfg          Config
	verifier     TokenVerifier
	registry     *Registry
	broker       *Broker
	typing       *TypingTracker
	orchestrator *Orchestrator
	relay        *Relay
	metrics      *Metrics
	shuttingDown atomic.Bool
}

func NewManager(cfg Config, store SessionStore, generator ResponseGenerator, verifier TokenVerifier) *Manager {
	cfg.setDefaults()

	metrics := &Metrics{}
	broker := NewBroker(store, cfg.StoreTimeout)
	typing := NewTypingTracker(broker, store, cfg.StoreTimeout)
	orchestrator := NewOrchestrator(store, generator, broker, metrics, OrchestratorConfig{
		Timeout:      cfg.GenerationTimeout,
		HistoryLimit: cfg.HistoryLimit,
		StoreTimeout: cfg.StoreTimeout,
		MaxQueued:    cfg.MaxQueuedPerChat,
	})

	return &Manager{
		cfg:          cfg,
		verifier:     verifier,
		registry:     NewRegistry(),
		broker:       broker,
		typing:       typing,
		orchestrator: orchestrator,
		relay:        NewRelay(store, broker, typing, orchestrator, metrics, cfg.MaxMessageLength, cfg.StoreTimeout),
		metrics:      metrics,
	}
}

func (m *Manager) Registry() *Registry         { return m.registry }
func (m *Manager) Broker() *Broker             { return m.broker }
func (m *Manager) Typing() *TypingTracker      { return m.typing }
func (m *Manager) Relay() *Relay               { return m.relay }
func (m *Manager) Orchestrator() *Orchestrator { return m.orchestrator }

// Authenticate verifies a bearer token. Nothing is registered on failure.
func (m *Manager) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	return m.verifier.VerifyToken(ctx, token)
}

// Accept registers an authenticated connection and acknowledges it.
func (m *Manager) Accept(ws *websocket.Conn, user *models.User) (*Connection, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	c := NewConnection(ws, user, m.cfg.SendBufferSize, rate.Limit(m.cfg.EventRateLimit), m.cfg.EventRateBurst)
	if err := m.registry.Register(c); err != nil {
		return nil, err
	}
	m.metrics.connectionOpened()

	c.Send(EventConnected, ConnectedEvent{
		UserID:       user.ID,
		Username:     user.Username,
		ConnectionID: c.ID,
		ServerTime:   time.Now(),
	})
	log.Printf("✓ connection=%s user=%s connected (active: %d)", c.ID, c.UserID, m.registry.Count())
	return c, nil
}

// Serve runs c's pumps and disconnects it when the read side ends.
func (m *Manager) Serve(ctx context.Context, c *Connection) {
	go c.WritePump()
	c.ReadPump(ctx, func(ctx context.Context, frame []byte) {
		m.HandleEvent(ctx, c, frame)
	})
	m.Disconnect(c, "client_closed")
}

// HandleEvent processes one inbound frame. A panic in a handler is reported
// to the client as <event>_error and the connection stays open.
func (m *Manager) HandleEvent(ctx context.Context, c *Connection, frame []byte) {
	c.Touch()

	if !c.Allow() {
		m.sendError(c, ErrorCode(ErrRateLimited), ErrRateLimited.Error(), "", "")
		return
	}

	name, ev, err := DecodeClientEvent(frame)
	if err != nil {
		m.sendError(c, ErrorCode(err), ClientMessage(err), "", name)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			m.metrics.errorOccurred()
			log.Printf("❌ PANIC handling %s: connection=%s user=%s: %v\n%s", name, c.ID, c.UserID, rec, debug.Stack())
			m.sendError(c, name+"_error", "failed to process "+name, "", name)
		}
	}()

	ctx, span := middleware.StartSpan(ctx, "Realtime."+name,
		attribute.String("connection.id", c.ID),
		attribute.String("user.id", c.UserID),
	)
	defer span.End()

	switch e := ev.(type) {
	case JoinSession:
		m.handleJoin(ctx, c, e)
	case LeaveSession:
		m.handleLeave(c, e)
	case SendMessage:
		m.handleSend(ctx, c, e)
	case TypingStart:
		m.handleTyping(c, e.SessionID, true, name)
	case TypingStop:
		m.handleTyping(c, e.SessionID, false, name)
	case Ping:
		c.Send(EventPong, PongEvent{Timestamp: time.Now()})
	}
}

func (m *Manager) handleJoin(ctx context.Context, c *Connection, e JoinSession) {
	session, err := m.broker.Join(ctx, e.SessionID, c)
	if err != nil {
		if !errors.Is(err, ErrSessionAccessDenied) {
			m.metrics.errorOccurred()
		}
		code := ErrorCode(err)
		if code == "processing_failed" {
			code = "join_session_error"
		}
		m.sendError(c, code, ClientMessage(err), e.SessionID, EventJoinSession)
		return
	}

	m.broker.SendTo(e.SessionID, c, EventSessionJoined, SessionJoinedEvent{
		SessionID: e.SessionID,
		Session:   snapshotOf(session),
		JoinedAt:  time.Now(),
	})
}

func (m *Manager) handleLeave(c *Connection, e LeaveSession) {
	if m.broker.Leave(e.SessionID, c) && !m.broker.UserPresent(e.SessionID, c.UserID) {
		m.typing.ClearUser(e.SessionID, c.UserID)
	}
	c.Send(EventSessionLeft, SessionLeftEvent{SessionID: e.SessionID, LeftAt: time.Now()})
}

func (m *Manager) handleSend(ctx context.Context, c *Connection, e SendMessage) {
	msg, err := m.relay.SendMessage(ctx, SendRequest{
		SessionID:       e.SessionID,
		UserID:          c.UserID,
		Username:        c.Username,
		Content:         e.Content,
		Type:            e.Type,
		ParentMessageID: e.ParentMessageID,
		Origin:          c,
	})
	if msg != nil {
		c.incMessages()
	}
	if err != nil {
		c.Send(EventMessageError, MessageErrorEvent{
			SessionID: e.SessionID,
			Type:      ErrorCode(err),
			Error:     ClientMessage(err),
		})
	}
}

func (m *Manager) handleTyping(c *Connection, sessionID string, isTyping bool, event string) {
	if err := m.typing.SetTyping(sessionID, c, isTyping); err != nil {
		m.sendError(c, ErrorCode(err), ClientMessage(err), sessionID, event)
	}
}

func (m *Manager) sendError(c *Connection, code, message, sessionID, event string) {
	c.Send(EventError, ErrorEvent{
		Type:      code,
		Message:   message,
		SessionID: sessionID,
		Event:     event,
		Timestamp: time.Now(),
	})
}

// Disconnect runs connection cleanup exactly once, whichever path calls it.
func (m *Manager) Disconnect(c *Connection, reason string) {
	if !c.markDisconnected() {
		return
	}

	c.Close()
	m.registry.Unregister(c.ID)
	sessions := m.broker.RemoveConnection(c)
	for _, sessionID := range sessions {
		if !m.broker.UserPresent(sessionID, c.UserID) {
			m.typing.ClearUser(sessionID, c.UserID)
		}
	}
	m.metrics.connectionClosed()

	log.Printf("connection=%s user=%s disconnected reason=%s sessions=%d messages=%d duration=%s",
		c.ID, c.UserID, reason, len(sessions), c.MessageCount(), time.Since(c.ConnectedAt).Round(time.Second))
}

// SweepIdle disconnects connections with no inbound event within the idle
// timeout. Returns how many were evicted.
func (m *Manager) SweepIdle(now time.Time) int {
	evicted := 0
	for _, c := range m.registry.All() {
		if now.Sub(c.LastActivity()) > m.cfg.IdleTimeout {
			log.Printf("⚠️  connection=%s user=%s idle since %s, disconnecting",
				c.ID, c.UserID, c.LastActivity().Format(time.RFC3339))
			m.Disconnect(c, "idle_timeout")
			evicted++
		}
	}
	return evicted
}

// Run drives the shared periodic tasks until ctx ends: idle eviction, typing
// eviction and the metrics log line.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	report := time.NewTicker(m.cfg.MetricsInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-sweep.C:
			if n := m.SweepIdle(now); n > 0 {
				log.Printf("idle sweep evicted %d connection(s)", n)
			}
			m.typing.Evict(now, m.cfg.TypingQuietPeriod)
		case <-report.C:
			s := m.Snapshot()
			log.Printf("metrics: active=%d total=%d sessions=%d users=%d messages=%d ai_responses=%d errors=%d pending=%d",
				s.ActiveConnections, s.TotalConnections, s.ActiveSessions, s.ActiveUsers,
				s.MessagesProcessed, s.AIResponsesGenerated, s.Errors, s.PendingGenerations)
		}
	}
}

// Snapshot reports counters plus the current shape of the registry.
func (m *Manager) Snapshot() MetricsSnapshot {
	s := m.metrics.counters()
	rooms := m.broker.RoomSizes()
	s.ActiveSessions = len(rooms)
	s.SessionConnections = rooms
	s.ActiveUsers = m.registry.UserCount()
	s.TypingUsers = m.typing.Len()
	s.PendingGenerations = m.orchestrator.Pending()
	s.Timestamp = time.Now()
	return s
}

// Shutdown notifies every connection, waits the grace period, force-closes
// them and waits for queued generations until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	conns := m.registry.All()
	log.Printf("🛑 Shutting down realtime gateway (%d connections)...", len(conns))
	for _, c := range conns {
		c.Send(EventServerShutdown, ServerShutdownEvent{
			Message:   "Server is shutting down",
			Timestamp: time.Now(),
		})
	}

	if m.cfg.ShutdownGrace > 0 && len(conns) > 0 {
		timer := time.NewTimer(m.cfg.ShutdownGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	for _, c := range m.registry.All() {
		m.Disconnect(c, "server_shutdown")
	}

	if err := m.orchestrator.Shutdown(ctx); err != nil {
		return fmt.Errorf("generation queue did not drain: %w", err)
	}
	m.typing.Wait()
	log.Println("✓ Realtime gateway shutdown complete")
	return nil
}
