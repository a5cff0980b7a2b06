package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticVerifier map[string]*models.User

func (v staticVerifier) VerifyToken(ctx context.Context, token string) (*models.User, error) {
	if u, ok := v[token]; ok {
		return u, nil
	}
	return nil, errors.New("invalid token")
}

func TestAuthenticate(t *testing.T) {
	verifier := staticVerifier{"good": {ID: "alice", Username: "alice"}}
	var got *models.User
	h := Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		require.True(t, ok)
		got = u
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer good", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer bad", http.StatusUnauthorized},
		{"wrong scheme", "Token good", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, got)
				assert.Equal(t, "alice", got.ID)
			} else {
				assert.Nil(t, got)
				assert.Contains(t, rec.Body.String(), "authentication_failed")
			}
		})
	}
}

func TestUserFromEmptyContext(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	assert.False(t, ok)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"query fallback", "", "xyz", "xyz"},
		{"header wins", "Bearer abc", "xyz", "abc"},
		{"other scheme", "Basic abc", "", ""},
		{"nothing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(r))
		})
	}
}
