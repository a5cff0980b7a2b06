package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingSetsRequestID(t *testing.T) {
	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEqual(t, "unknown", seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "unknown", GetRequestID(r.Context()))
}

func TestTracingKeepsFlusher(t *testing.T) {
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		_, _ = w.Write([]byte("chunk"))
		f.Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stream", nil))
	assert.True(t, rec.Flushed)
}

func TestTracingAllowsWebSocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
	})))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	defer ws.Close()
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}

func TestRecoveryReturns500(t *testing.T) {
	h := TracingMiddleware(ErrorRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name    string
		allowed []string
		origin  string
		method  string
		want    string
		status  int
	}{
		{"listed origin", []string{"http://app.example"}, "http://app.example", http.MethodGet, "http://app.example", http.StatusNoContent},
		{"trailing slash", []string{"http://app.example/"}, "http://app.example", http.MethodGet, "http://app.example", http.StatusNoContent},
		{"foreign origin", []string{"http://app.example"}, "http://evil.example", http.MethodGet, "", http.StatusNoContent},
		{"wildcard", []string{"*"}, "http://any.example", http.MethodGet, "*", http.StatusNoContent},
		{"preflight", []string{"http://app.example"}, "http://app.example", http.MethodOptions, "http://app.example", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/sessions", nil)
			r.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
