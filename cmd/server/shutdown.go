package main

import (
	"context"
	"log"
	"time"
)

const (
	httpShutdownTimeout     = 30 * time.Second
	realtimeShutdownTimeout = 30 * time.Second
)

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// gracefulShutdown drains HTTP first, then the realtime manager. Each step
// gets its own deadline.
func gracefulShutdown(server, realtime shutdowner, httpTimeout, realtimeTimeout time.Duration) {
	httpCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	cancel()

	rtCtx, cancel := context.WithTimeout(context.Background(), realtimeTimeout)
	defer cancel()
	if err := realtime.Shutdown(rtCtx); err != nil {
		log.Printf("⚠️  Realtime shutdown incomplete: %v", err)
	}
}
