package realtime

import (
	"context"
	"log"
	"sync"
	"time"
)

type typingKey struct {
	sessionID string
	userID    string
}

// pendingMirror is the value still to be written for one key. dirty is set
// when a newer value arrives while a write is in flight.
type pendingMirror struct {
	isTyping bool
	dirty    bool
}

// TypingTracker holds the ephemeral typing flag per (session, user). Only
// users currently typing have an entry; stopping removes it.
type TypingTracker struct {
	mu      sync.Mutex
	typing  map[typingKey]time.Time
	broker  *Broker
	store   SessionStore
	timeout time.Duration

	mirrorMu sync.Mutex
	pending  map[typingKey]*pendingMirror
	mirrors  sync.WaitGroup
}

func NewTypingTracker(broker *Broker, store SessionStore, storeTimeout time.Duration) *TypingTracker {
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	return &TypingTracker{
		typing:  make(map[typingKey]time.Time),
		pending: make(map[typingKey]*pendingMirror),
		broker:  broker,
		store:   store,
		timeout: storeTimeout,
	}
}

// SetTyping records the flag for c's user and tells the other members of the
// session. The sending connection does not get its own event. c must have
// joined the session.
func (t *TypingTracker) SetTyping(sessionID string, c *Connection, isTyping bool) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if !t.broker.IsMember(sessionID, c.ID) {
		return ErrSessionNotJoined
	}

	t.set(sessionID, c.UserID, isTyping)
	t.announce(sessionID, c.UserID, c.Username, isTyping, c.ID)
	t.mirror(sessionID, c.UserID, isTyping)
	return nil
}

// OnMessageSent ends typing for the author; sending a message means they
// stopped. exclude names the sending connection, if any.
func (t *TypingTracker) OnMessageSent(sessionID, userID, username, exclude string) {
	t.set(sessionID, userID, false)
	t.announce(sessionID, userID, username, false, exclude)
	t.mirror(sessionID, userID, false)
}

// ClearUser stops typing for a user that no longer has a connection in the
// session. It is a no-op when the user was not typing.
func (t *TypingTracker) ClearUser(sessionID, userID string) {
	key := typingKey{sessionID, userID}
	t.mu.Lock()
	_, wasTyping := t.typing[key]
	delete(t.typing, key)
	t.mu.Unlock()

	if wasTyping {
		t.announce(sessionID, userID, "", false, "")
		t.mirror(sessionID, userID, false)
	}
}

func (t *TypingTracker) IsTyping(sessionID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{sessionID, userID}]
	return ok
}

// Evict drops entries not refreshed within quiet and announces the stop.
func (t *TypingTracker) Evict(now time.Time, quiet time.Duration) int {
	t.mu.Lock()
	var stale []typingKey
	for key, updated := range t.typing {
		if now.Sub(updated) > quiet {
			stale = append(stale, key)
			delete(t.typing, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stale {
		t.announce(key.sessionID, key.userID, "", false, "")
		t.mirror(key.sessionID, key.userID, false)
	}
	return len(stale)
}

// Len is the number of users currently typing across all sessions.
func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typing)
}

// Wait blocks until in-flight store mirrors have finished.
func (t *TypingTracker) Wait() {
	t.mirrors.Wait()
}

func (t *TypingTracker) set(sessionID, userID string, isTyping bool) {
	key := typingKey{sessionID, userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.typing[key] = time.Now()
	} else {
		delete(t.typing, key)
	}
}

func (t *TypingTracker) announce(sessionID, userID, username string, isTyping bool, exclude string) {
	event := EventUserTypingStop
	if isTyping {
		event = EventUserTypingStart
	}
	t.broker.Broadcast(sessionID, event, PresenceEvent{
		UserID:    userID,
		Username:  username,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}, exclude)
}

// mirror copies the flag to the store in the background. Writes for one
// (session, user) run one at a time and the latest value is written last;
// values superseded while a write is in flight are skipped. Failures are
// logged and never reach the client.
func (t *TypingTracker) mirror(sessionID, userID string, isTyping bool) {
	if t.store == nil {
		return
	}
	key := typingKey{sessionID, userID}

	t.mirrorMu.Lock()
	if p, ok := t.pending[key]; ok {
		p.isTyping = isTyping
		p.dirty = true
		t.mirrorMu.Unlock()
		return
	}
	p := &pendingMirror{isTyping: isTyping}
	t.pending[key] = p
	t.mirrors.Add(1)
	t.mirrorMu.Unlock()

	go t.drainMirror(key, p)
}

func (t *TypingTracker) drainMirror(key typingKey, p *pendingMirror) {
	defer t.mirrors.Done()

	t.mirrorMu.Lock()
	for {
		isTyping := p.isTyping
		p.dirty = false
		t.mirrorMu.Unlock()

		t.writeMirror(key, isTyping)

		t.mirrorMu.Lock()
		if !p.dirty {
			delete(t.pending, key)
			t.mirrorMu.Unlock()
			return
		}
	}
}

func (t *TypingTracker) writeMirror(key typingKey, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.store.UpdateTypingStatus(ctx, key.sessionID, key.userID, isTyping); err != nil {
		log.Printf("⚠️  typing mirror failed: session=%s user=%s typing=%t err=%v", key.sessionID, key.userID, isTyping, err)
	}
}
