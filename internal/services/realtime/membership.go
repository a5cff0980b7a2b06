package realtime

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ROOMS WITH ORDERED FAN-OUT

Each session is a room: a set of connections guarded by the broker mutex.
Broadcasts snapshot the members under a read lock, then deliver while holding
the room's own delivery mutex, so two broadcasts to the same room reach every
member in the same order while other rooms proceed in parallel.
*/

type room struct {
	members map[string]*Connection
	deliver sync.Mutex
}

// Broker maps sessions to their subscribed connections.
type Broker struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	joined map[string]map[string]struct{} // connection id -> session ids

	store        SessionStore
	storeTimeout time.Duration
}

func NewBroker(store SessionStore, storeTimeout time.Duration) *Broker {
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	return &Broker{
		rooms:        make(map[string]*room),
		joined:       make(map[string]map[string]struct{}),
		store:        store,
		storeTimeout: storeTimeout,
	}
}

// Join subscribes c to sessionID once the store confirms c's user may access
// it. A refused join mutates nothing. Existing members are told about the
// newcomer; the joiner is not.
func (b *Broker) Join(ctx context.Context, sessionID string, c *Connection) (*models.ChatSession, error) {
	ctx, span := middleware.StartSpan(ctx, "Broker.Join",
		attribute.String("session.id", sessionID),
		attribute.String("connection.id", c.ID),
	)
	defer span.End()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	session, err := b.store.GetSession(storeCtx, sessionID, c.UserID)
	cancel()
	if err != nil {
		log.Printf("join refused: session=%s user=%s connection=%s kind=%s err=%v",
			sessionID, c.UserID, c.ID, storeErrorKind(err), err)
		middleware.AddSpanError(ctx, err)
		return nil, classifyStoreError(err, ErrProcessingFailed)
	}

	b.mu.Lock()
	if c.Closed() {
		b.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	r := b.rooms[sessionID]
	if r == nil {
		r = &room{members: make(map[string]*Connection)}
		b.rooms[sessionID] = r
	}
	_, already := r.members[c.ID]
	r.members[c.ID] = c
	if b.joined[c.ID] == nil {
		b.joined[c.ID] = make(map[string]struct{})
	}
	b.joined[c.ID][sessionID] = struct{}{}
	size := len(r.members)
	b.mu.Unlock()

	if !already {
		log.Printf("connection=%s user=%s joined session=%s (members: %d)", c.ID, c.UserID, sessionID, size)
		b.Broadcast(sessionID, EventUserJoinedSession, PresenceEvent{
			UserID:    c.UserID,
			Username:  c.Username,
			SessionID: sessionID,
			Timestamp: time.Now(),
		}, c.ID)
	}

	return session, nil
}

// Leave unsubscribes c and tells the remaining members. It reports whether c
// was a member.
func (b *Broker) Leave(sessionID string, c *Connection) bool {
	if !b.remove(sessionID, c.ID) {
		return false
	}

	log.Printf("connection=%s user=%s left session=%s", c.ID, c.UserID, sessionID)
	b.Broadcast(sessionID, EventUserLeftSession, PresenceEvent{
		UserID:    c.UserID,
		Username:  c.Username,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}, "")
	return true
}

// RemoveConnection purges c from every session it joined and announces the
// disconnect to the remaining members. Returns the sessions it was in.
func (b *Broker) RemoveConnection(c *Connection) []string {
	b.mu.Lock()
	sessions := make([]string, 0, len(b.joined[c.ID]))
	for sessionID := range b.joined[c.ID] {
		sessions = append(sessions, sessionID)
		b.removeLocked(sessionID, c.ID)
	}
	delete(b.joined, c.ID)
	b.mu.Unlock()

	sort.Strings(sessions)
	for _, sessionID := range sessions {
		b.Broadcast(sessionID, EventUserDisconnected, PresenceEvent{
			UserID:    c.UserID,
			Username:  c.Username,
			SessionID: sessionID,
			Timestamp: time.Now(),
		}, "")
	}
	return sessions
}

func (b *Broker) remove(sessionID, connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.rooms[sessionID]
	if r == nil {
		return false
	}
	if _, ok := r.members[connectionID]; !ok {
		return false
	}
	b.removeLocked(sessionID, connectionID)
	if s := b.joined[connectionID]; s != nil {
		delete(s, sessionID)
		if len(s) == 0 {
			delete(b.joined, connectionID)
		}
	}
	return true
}

func (b *Broker) removeLocked(sessionID, connectionID string) {
	r := b.rooms[sessionID]
	if r == nil {
		return
	}
	delete(r.members, connectionID)
	if len(r.members) == 0 {
		delete(b.rooms, sessionID)
	}
}

// Broadcast delivers an event to every member of sessionID except the
// connection named by exclude (empty excludes nobody). Returns the number of
// connections the event was queued for.
func (b *Broker) Broadcast(sessionID, event string, data interface{}, exclude string) int {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("⚠️  broadcast session=%s: %v", sessionID, err)
		return 0
	}

	b.mu.RLock()
	r := b.rooms[sessionID]
	if r == nil {
		b.mu.RUnlock()
		return 0
	}
	members := make([]*Connection, 0, len(r.members))
	for id, c := range r.members {
		if id != exclude {
			members = append(members, c)
		}
	}
	b.mu.RUnlock()

	r.deliver.Lock()
	defer r.deliver.Unlock()

	delivered := 0
	for _, c := range members {
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

// SendTo queues an event for a single connection, keeping the room's delivery
// order when c is a member of sessionID.
func (b *Broker) SendTo(sessionID string, c *Connection, event string, data interface{}) bool {
	b.mu.RLock()
	r := b.rooms[sessionID]
	b.mu.RUnlock()

	if r != nil {
		r.deliver.Lock()
		defer r.deliver.Unlock()
	}
	return c.Send(event, data)
}

func (b *Broker) IsMember(sessionID, connectionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r := b.rooms[sessionID]
	if r == nil {
		return false
	}
	_, ok := r.members[connectionID]
	return ok
}

// MembersOf returns the connection ids subscribed to sessionID, sorted.
func (b *Broker) MembersOf(sessionID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r := b.rooms[sessionID]
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionsOf returns the sessions a connection has joined, sorted.
func (b *Broker) SessionsOf(connectionID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.joined[connectionID]))
	for id := range b.joined[connectionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserPresent reports whether any connection of userID is still in sessionID.
func (b *Broker) UserPresent(sessionID, userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r := b.rooms[sessionID]
	if r == nil {
		return false
	}
	for _, c := range r.members {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// RoomSizes returns the member count per active session.
func (b *Broker) RoomSizes() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.rooms))
	for id, r := range b.rooms {
		out[id] = len(r.members)
	}
	return out
}
