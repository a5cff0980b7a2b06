package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"chat-gateway/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TokenVerifier resolves a bearer token to the user it was issued for.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*models.User, error)
}

const userKey contextKey = "user"

// Authenticate rejects requests without a valid bearer token and stores the
// verified user in the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteAuthError(w, "missing access token")
				return
			}

			user, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				log.Printf("[%s] auth rejected: %v", GetRequestID(r.Context()), err)
				AddSpanError(r.Context(), err)
				WriteAuthError(w, "invalid or expired access token")
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", user.ID))
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the user set by Authenticate.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userKey).(*models.User)
	return user, ok && user != nil
}

// BearerToken reads the Authorization header, falling back to the token
// query parameter browsers must use for websockets.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func WriteAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "type": "authentication_failed"})
}
