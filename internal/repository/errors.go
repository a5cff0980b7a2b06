package repository

import "errors"

// Classification reported by the session store. Callers must not surface the
// difference between the first two to clients.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAccessDenied    = errors.New("session access denied")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageNotFound = errors.New("message not found")
)
