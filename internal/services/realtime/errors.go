package realtime

import (
	"errors"
	"fmt"

	"chat-gateway/internal/repository"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrShuttingDown        = errors.New("server shutting down")

	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrEmptyContent       = errors.New("message content is required")
	ErrContentTooLong     = errors.New("message content too long")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrInvalidPayload     = errors.New("invalid event payload")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrSessionNotJoined   = errors.New("session not joined")

	ErrSessionAccessDenied = errors.New("session not found or access denied")
	ErrStorageFailed       = errors.New("failed to store message")
	ErrProcessingFailed    = errors.New("failed to process request")
	ErrQueueFull           = errors.New("too many pending responses for this session")
)

// ErrorCode maps an error to the type string sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSessionID):
		return "invalid_session_id"
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrInvalidMessageType):
		return "invalid_input"
	case errors.Is(err, ErrContentTooLong):
		return "content_too_long"
	case errors.Is(err, ErrSessionAccessDenied):
		return "session_access_denied"
	case errors.Is(err, ErrStorageFailed):
		return "storage_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSessionNotJoined):
		return "session_not_joined"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrQueueFull):
		return "generation_queue_full"
	case errors.Is(err, ErrShuttingDown):
		return "server_shutting_down"
	default:
		return "processing_failed"
	}
}

// ClientMessage is the text shown to clients for err. Internal detail of
// upstream failures is never included.
func ClientMessage(err error) string {
	for _, known := range []error{
		ErrInvalidSessionID, ErrEmptyContent, ErrContentTooLong, ErrInvalidMessageType,
		ErrSessionAccessDenied, ErrStorageFailed, ErrRateLimited, ErrSessionNotJoined,
		ErrUnknownEvent, ErrInvalidPayload, ErrQueueFull, ErrShuttingDown,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrProcessingFailed.Error()
}

// classifyStoreError keeps the store's own classification: not-found and
// access-denied collapse into ErrSessionAccessDenied, anything else becomes
// fallback wrapped around the cause.
func classifyStoreError(err, fallback error) error {
	if errors.Is(err, repository.ErrSessionNotFound) || errors.Is(err, repository.ErrAccessDenied) {
		return fmt.Errorf("%w: %v", ErrSessionAccessDenied, err)
	}
	if errors.Is(err, repository.ErrInvalidMessage) {
		return fmt.Errorf("%w: %v", ErrEmptyContent, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

// storeErrorKind is the log classification of a store error.
func storeErrorKind(err error) string {
	switch {
	case errors.Is(err, repository.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, repository.ErrSessionNotFound):
		return "not_found"
	default:
		return "store_error"
	}
}
