package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/services/realtime"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Handler handles HTTP requests
type Handler struct {
	sessions SessionService
	relay    MessageRelay
	gateway  Gateway
}

func NewHandler(sessions SessionService, relay MessageRelay, gateway Gateway) *Handler {
	return &Handler{
		sessions: sessions,
		relay:    relay,
		gateway:  gateway,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

type sendMessageRequest struct {
	Content         string             `json:"content"`
	Type            models.MessageType `json:"type,omitempty"`
	ParentMessageID string             `json:"parent_message_id,omitempty"`
}

type sendMessageResponse struct {
	Message    *models.Message `json:"message"`
	Generation string          `json:"generation"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	s := h.gateway.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"active_connections": s.ActiveConnections,
		"timestamp":          time.Now(),
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Snapshot())
}

// Session handlers

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	var in models.SessionCreate
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
			return
		}
	}

	session, err := h.sessions.CreateSession(r.Context(), user.ID, &in)
	if err != nil {
		log.Printf("[%s] ❌ create session failed: user=%s err=%v", middleware.GetRequestID(r.Context()), user.ID, err)
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "storage_failed", "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	session, err := h.sessions.GetSession(r.Context(), sessionID, user.ID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := queryInt(r, "offset", 0)

	page, err := h.sessions.GetChatHistory(r.Context(), sessionID, user.ID, limit, offset)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"messages":    page.Messages,
		"total_count": page.TotalCount,
		"has_more":    page.HasMore,
		"limit":       limit,
		"offset":      offset,
	})
}

// Message handlers

// SendMessage stores a message and queues the reply, which is streamed to the
// session's websocket members.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSendRequest(w, r)
	if !ok {
		return
	}

	msg, err := h.relay.SendMessage(r.Context(), req)
	if msg == nil {
		status, code := statusFor(err)
		writeError(w, status, code, realtime.ClientMessage(err))
		return
	}

	generation := "none"
	switch {
	case err != nil:
		generation = realtime.ErrorCode(err)
	case msg.IsUserMessage():
		generation = "queued"
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{Message: msg, Generation: generation})
}

// StreamMessage stores a message and streams its reply back on this response
// as newline-delimited JSON events. If the client goes away the reply is still
// generated and saved.
func (h *Handler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "processing_failed", "streaming not supported")
		return
	}

	req, ok := decodeSendRequest(w, r)
	if !ok {
		return
	}

	out := &lazyStream{w: w}
	sink := realtime.NewWriterSink(out, flusher.Flush)
	defer sink.Detach()

	msg, done, err := h.relay.SendMessageStream(r.Context(), req, sink)
	if msg == nil {
		status, code := statusFor(err)
		writeError(w, status, code, realtime.ClientMessage(err))
		return
	}
	if err != nil {
		sink.Send(realtime.EventError, realtime.ErrorEvent{
			Type:      realtime.ErrorCode(err),
			Message:   realtime.ClientMessage(err),
			SessionID: req.SessionID,
			Event:     realtime.EventSendMessage,
			Timestamp: time.Now(),
		})
		return
	}
	if done == nil {
		return
	}

	select {
	case <-done:
	case <-r.Context().Done():
		log.Printf("[%s] ⚠️  stream client gone: session=%s message=%s", middleware.GetRequestID(r.Context()), req.SessionID, msg.ID)
		middleware.AddSpanEvent(r.Context(), "client_disconnected", attribute.String("message.id", msg.ID))
	}
}

func decodeSendRequest(w http.ResponseWriter, r *http.Request) (realtime.SendRequest, bool) {
	user, _ := middleware.UserFromContext(r.Context())

	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return realtime.SendRequest{}, false
	}

	return realtime.SendRequest{
		SessionID:       mux.Vars(r)["id"],
		UserID:          user.ID,
		Username:        user.Username,
		Content:         body.Content,
		Type:            body.Type,
		ParentMessageID: body.ParentMessageID,
	}, true
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repository.ErrSessionNotFound) || errors.Is(err, repository.ErrAccessDenied) {
		writeError(w, http.StatusForbidden, "session_access_denied", realtime.ErrSessionAccessDenied.Error())
		return
	}
	log.Printf("[%s] ❌ store error: %v", middleware.GetRequestID(r.Context()), err)
	middleware.AddSpanError(r.Context(), err)
	writeError(w, http.StatusInternalServerError, "processing_failed", realtime.ErrProcessingFailed.Error())
}

func statusFor(err error) (int, string) {
	code := realtime.ErrorCode(err)
	switch code {
	case "invalid_input", "invalid_session_id", "content_too_long":
		return http.StatusBadRequest, code
	case "session_access_denied":
		return http.StatusForbidden, code
	case "generation_queue_full":
		return http.StatusTooManyRequests, code
	case "server_shutting_down":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Type: code})
}

// lazyStream commits the NDJSON headers on the first write, so a request
// rejected before anything is streamed can still answer with a JSON error.
type lazyStream struct {
	w       http.ResponseWriter
	started bool
}

func (s *lazyStream) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("X-Content-Type-Options", "nosniff")
		s.w.WriteHeader(http.StatusOK)
	}
	return s.w.Write(p)
}
