package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-gateway/internal/api"
	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/openai"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/services/realtime"
	"chat-gateway/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

/*
LEARNING: SHUTDOWN ORDER

1. Stop accepting HTTP requests (server.Shutdown).
2. Tell websocket clients, wait the grace period, close them.
3. Let queued generations finish so replies are saved.
4. Flush traces, close the database.

The errgroup ties the HTTP server and the realtime sweeper to one context:
a signal or either goroutine failing starts the shutdown.
*/

func main() {
	log.Println("🚀 Starting chat gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("chat-gateway", version, cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = telemetry.Noop
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database.DB)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	generator := openai.NewGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	log.Printf("✓ OpenAI generator initialized (model %s)", generator.Model())

	manager := realtime.NewManager(realtime.ConfigFrom(cfg), sessionRepo, generator, verifier)

	handler := api.NewHandler(sessionRepo, manager.Relay(), manager)
	wsHandler := realtime.NewWebSocketHandler(manager, cfg.AllowedOrigins)
	router := api.SetupRoutes(handler, wsHandler, verifier, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// streamed replies stay open for a whole generation
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("🌐 Server listening on http://%s", cfg.ListenAddr())
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws                              - WebSocket (token header or ?token=)")
		log.Printf("   POST   /api/sessions                    - Create session")
		log.Printf("   GET    /api/sessions/{id}/messages      - History")
		log.Printf("   POST   /api/sessions/{id}/messages      - Send message")
		log.Printf("   POST   /api/sessions/{id}/messages/stream - Send message, stream reply")
		log.Printf("   GET    /api/health, /api/metrics")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("🛑 Shutting down server...")
		gracefulShutdown(server, manager, httpShutdownTimeout, realtimeShutdownTimeout)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("❌ Server error: %v", err)
	}
	log.Println("✓ Server shutdown complete")
}
