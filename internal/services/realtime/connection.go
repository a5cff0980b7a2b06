package realtime

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 128 * 1024
	closeGraceWait = time.Second
)

// Connection is one authenticated client link. Outbound events go through a
// bounded queue drained by WritePump; a full queue closes the connection.
type Connection struct {
	ID          string
	UserID      string
	Username    string
	ConnectedAt time.Time

	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce    sync.Once
	disconnected atomic.Bool
	lastActivity atomic.Int64
	messageCount atomic.Int64
}

// NewConnection wraps ws for user. ws may be nil for connections that are
// only driven through their queue.
func NewConnection(ws *websocket.Conn, user *models.User, bufferSize int, limit rate.Limit, burst int) *Connection {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	now := time.Now()
	c := &Connection{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Username:    user.Username,
		ConnectedAt: now,
		ws:          ws,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(limit, burst),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send encodes and queues an event without blocking. It reports whether the
// event was queued.
func (c *Connection) Send(event string, data interface{}) bool {
	b, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("⚠️  connection=%s %v", c.ID, err)
		return false
	}
	return c.enqueue(b)
}

func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		// callers may hold a room's delivery lock, so the socket teardown
		// runs on its own goroutine
		log.Printf("⚠️  connection=%s user=%s send buffer full, closing", c.ID, c.UserID)
		c.shutdown(true)
		return false
	}
}

// Outbound exposes the queue WritePump drains.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the pumps. Safe to call more than once.
func (c *Connection) Close() {
	c.shutdown(false)
}

// shutdown marks the connection done at once. With async the close frame
// and socket close happen in the background.
func (c *Connection) shutdown(async bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		if async {
			go c.closeSocket()
			return
		}
		c.closeSocket()
	})
}

func (c *Connection) closeSocket() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGraceWait))
	_ = c.ws.Close()
}

// markDisconnected reports true for the first caller only.
func (c *Connection) markDisconnected() bool {
	return c.disconnected.CompareAndSwap(false, true)
}

func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) Allow() bool {
	return c.limiter.Allow()
}

func (c *Connection) MessageCount() int64 {
	return c.messageCount.Load()
}

func (c *Connection) incMessages() {
	c.messageCount.Add(1)
}

// ReadPump reads frames until the socket fails or the connection is closed,
// handing each to handle on the calling goroutine so a connection's events
// are processed one at a time.
func (c *Connection) ReadPump(ctx context.Context, handle func(ctx context.Context, frame []byte)) {
	if c.ws == nil {
		<-c.done
		return
	}

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("connection=%s websocket read error: %v", c.ID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(ctx, frame)
	}
}

// WritePump is the only writer of data frames to the socket.
func (c *Connection) WritePump() {
	if c.ws == nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
