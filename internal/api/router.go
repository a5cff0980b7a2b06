package api

import (
	"net/http"

	"chat-gateway/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes mounts the REST API under /api and the realtime endpoint at /ws.
// The websocket handler authenticates on its own so it can accept the token
// as a query parameter.
func SetupRoutes(h *Handler, ws http.Handler, verifier middleware.TokenVerifier, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORS(allowedOrigins))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/metrics", h.Metrics).Methods("GET")

	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.Authenticate(verifier))

	authed.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	authed.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	authed.HandleFunc("/sessions/{id}/messages", h.GetHistory).Methods("GET")
	authed.HandleFunc("/sessions/{id}/messages", h.SendMessage).Methods("POST")
	authed.HandleFunc("/sessions/{id}/messages/stream", h.StreamMessage).Methods("POST")

	r.Handle("/ws", ws).Methods("GET")

	// preflight needs a matching route for the CORS middleware to run
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}
