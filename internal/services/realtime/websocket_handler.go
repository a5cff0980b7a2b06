package realtime

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"chat-gateway/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// WebSocketHandler upgrades authenticated requests and hands the resulting
// connections to the manager.
type WebSocketHandler struct {
	manager  *Manager
	upgrader websocket.Upgrader
}

// NewWebSocketHandler allows browser origins listed in allowedOrigins ("*"
// allows any). Requests without an Origin header, such as native clients, are
// always allowed.
func NewWebSocketHandler(manager *Manager, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return &WebSocketHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[strings.TrimRight(origin, "/")]
			},
		},
	}
}

// ServeHTTP authenticates before upgrading, so a bad credential is answered
// with a plain 401 and no connection state is created.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect")
	defer span.End()

	token := middleware.BearerToken(r)
	if token == "" {
		middleware.WriteAuthError(w, "missing access token")
		return
	}

	user, err := h.manager.Authenticate(ctx, token)
	if err != nil {
		log.Printf("websocket auth rejected: remote=%s err=%v", r.RemoteAddr, err)
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, ErrShuttingDown) {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		middleware.WriteAuthError(w, "invalid or expired access token")
		return
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c, err := h.manager.Accept(ws, user)
	if err != nil {
		log.Printf("⚠️  websocket accept failed: user=%s err=%v", user.ID, err)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ClientMessage(err)))
		_ = ws.Close()
		return
	}

	// the request context ends with this handler; the connection outlives it
	go h.manager.Serve(context.Background(), c)
}
