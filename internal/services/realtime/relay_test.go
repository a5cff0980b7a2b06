package realtime

import (
	"context"
	"strings"
	"testing"

	"chat-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageReachesEveryMemberIncludingSender(t *testing.T) {
	store := newFakeStore()
	store.addSession("s1", "alice")
	gen := &fakeGenerator{script: replyWith("Hi", " there")}
	m := newTestManager(t, store, gen)
	tab1 := connect(t, m, "alice")
	tab2 := connect(t, m, "alice")
	join(t, m, tab1, "s1")
	join(t, m, tab2, "s1")
	drain(tab1)

	send(t, m, tab1, EventSendMessage, map[string]string{"session_id": "s1", "content": "hello"})

	var ids []string
	for _, c := range []*Connection{tab1, tab2} {
		events := collectUntil(t, c, EventAIResponseComplete)
		require.Equal(t, EventMessageReceived, events[0].Event)
		var got MessageReceivedEvent
		events[0].decode(t, &got)
		assert.Equal(t, "hello", got.Message.Content)
		assert.Equal(t, got.MessageID, got.Message.ID)
		ids = append(ids, got.MessageID)

		assert.Equal(t, 1, count(events, EventAITypingStart))
		typingAt := indexOf(events, EventAITypingStart)
		assert.Greater(t, typingAt, 0, "message_received precedes ai_typing_start")
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, int64(1), tab1.MessageCount())
}

func TestSendMessageTooLongIsRejectedBeforeStore(t *testing.T) {
	store := newFakeStore()
	store.addSession("s1", "alice")
	m := newTestManager(t, store, nil)
	tab1 := connect(t, m, "alice")
	tab2 := connect(t, m, "alice")
	join(t, m, tab1, "s1")
	join(t, m, tab2, "s1")
	drain(tab1)

	send(t, m, tab1, EventSendMessage, map[string]string{
		"session_id": "s1",
		"content":    strings.Repeat("x", 10001),
	})

	ev := next(t, tab1)
	require.Equal(t, EventMessageError, ev.Event)
	var p MessageErrorEvent
	ev.decode(t, &p)
	assert.Equal(t, "content_too_long", p.Type)
	assert.Equal(t, "s1", p.SessionID)

	assert.Equal(t, 0, store.sends())
	assert.Empty(t, drain(tab2))
}

func TestSendMessageValidation(t *testing.T) {
	r := NewRelay(newFakeStore(), NewBroker(newFakeStore(), 0), nil, nil, nil, 10, 0)

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty", SendRequest{SessionID: "s1", Content: "   "}, ErrEmptyContent},
		{"exact limit is fine", SendRequest{SessionID: "s1", Content: strings.Repeat("é", 10)}, nil},
		{"over limit in runes", SendRequest{SessionID: "s1", Content: strings.Repeat("é", 11)}, ErrContentTooLong},
		{"bad type", SendRequest{SessionID: "s1", Content: "x", Type: "robot"}, ErrInvalidMessageType},
		{"bad session", SendRequest{SessionID: "", Content: "x"}, ErrInvalidSessionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := r.Validate(&req)
			if tt.want == nil {
				assert.NoError(t, err)
				assert.Equal(t, models.MessageTypeUser, req.Type)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSendWithoutJoinStillChecksAccessAndEchoesToSender(t *testing.T) {
	store := newFakeStore()
	store.addSession("s1", "alice")
	store.addSession("s2", "bob")
	m := newTestManager(t, store, nil)
	c := connect(t, m, "alice")

	send(t, m, c, EventSendMessage, map[string]string{"session_id": "s1", "content": "hi"})
	assert.Equal(t, EventMessageReceived, next(t, c).Event)

	send(t, m, c, EventSendMessage, map[string]string{"session_id": "s2", "content": "hi"})
	ev := waitFor(t, c, EventMessageError)
	var p MessageErrorEvent
	ev.decode(t, &p)
	assert.Equal(t, "session_access_denied", p.Type)
	assert.Empty(t, store.stored("s2"))
}

func TestStoreFailureMeansNoBroadcast(t *testing.T) {
	store := newFakeStore()
	store.addSession("s1", "alice")
	m := newTestManager(t, store, nil)
	tab1 := connect(t, m, "alice")
	tab2 := connect(t, m, "alice")
	join(t, m, tab1, "s1")
	join(t, m, tab2, "s1")
	drain(tab1)
	store.sendHook = func(*models.MessageCreate) error { return assert.AnError }

	send(t, m, tab1, EventSendMessage, map[string]string{"session_id": "s1", "content": "hi"})

	var p MessageErrorEvent
	next(t, tab1).decode(t, &p)
	assert.Equal(t, "storage_failed", p.Type)
	assert.NotContains(t, p.Error, assert.AnError.Error())
	assert.Empty(t, drain(tab2))
}

func TestNonUserMessagesDoNotTriggerGeneration(t *testing.T) {
	store := newFakeStore()
	store.addSession("s1", "alice")
	gen := &fakeGenerator{script: replyWith("x")}
	m := newTestManager(t, store, gen)

	msg, err := m.Relay().SendMessage(context.Background(), SendRequest{
		SessionID: "s1", UserID: "alice", Content: "note", Type: models.MessageTypeSystem,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeSystem, msg.Type)
	assert.False(t, m.Orchestrator().Busy("s1"))
	assert.Empty(t, gen.calls())
}

func TestConcurrentSendsKeepStoreOrderInBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.addSession("s1", "alice")
	m := newTestManager(t, store, &fakeGenerator{script: replyWith("ok")})
	watcher := connect(t, m, "alice")
	join(t, m, watcher, "s1")

	const n = 20
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			_, _ = m.Relay().SendMessage(context.Background(), SendRequest{
				SessionID: "s1", UserID: "alice", Content: "msg", Type: models.MessageTypeSystem,
			})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	var order []int
	for _, ev := range drain(watcher) {
		if ev.Event != EventMessageReceived {
			continue
		}
		var p MessageReceivedEvent
		ev.decode(t, &p)
		order = append(order, p.Message.OrderIndex)
	}
	require.Len(t, order, n)
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i])
	}
}

func indexOf(events []received, event string) int {
	for i, e := range events {
		if e.Event == event {
			return i
		}
	}
	return -1
}
