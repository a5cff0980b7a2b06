package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stuckServer never finishes draining and gives up when its context ends.
type stuckServer struct{}

func (stuckServer) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingManager struct {
	ctxErr   error
	deadline time.Time
	called   bool
}

func (m *recordingManager) Shutdown(ctx context.Context) error {
	m.called = true
	m.ctxErr = ctx.Err()
	m.deadline, _ = ctx.Deadline()
	return nil
}

func TestRealtimeShutdownGetsItsOwnDeadline(t *testing.T) {
	manager := &recordingManager{}

	start := time.Now()
	gracefulShutdown(stuckServer{}, manager, 20*time.Millisecond, time.Second)

	require.True(t, manager.called)
	assert.NoError(t, manager.ctxErr, "realtime shutdown must not inherit the expired HTTP deadline")
	assert.True(t, manager.deadline.After(start.Add(500*time.Millisecond)))
}
