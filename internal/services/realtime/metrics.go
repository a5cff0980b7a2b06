package realtime

import (
	"sync/atomic"
	"time"
)

// Metrics are process-wide counters, reset only on restart.
type Metrics struct {
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	messagesProcessed atomic.Int64
	aiResponses       atomic.Int64
	errors            atomic.Int64
}

type MetricsSnapshot struct {
	TotalConnections     int64          `json:"total_connections"`
	ActiveConnections    int64          `json:"active_connections"`
	MessagesProcessed    int64          `json:"messages_processed"`
	AIResponsesGenerated int64          `json:"ai_responses_generated"`
	Errors               int64          `json:"errors"`
	ActiveSessions       int            `json:"active_sessions"`
	ActiveUsers          int            `json:"active_users"`
	TypingUsers          int            `json:"typing_users"`
	PendingGenerations   int            `json:"pending_generations"`
	SessionConnections   map[string]int `json:"session_connections"`
	Timestamp            time.Time      `json:"timestamp"`
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.totalConnections.Add(1)
	m.activeConnections.Add(1)
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Add(-1)
}

func (m *Metrics) messageProcessed() {
	if m == nil {
		return
	}
	m.messagesProcessed.Add(1)
}

func (m *Metrics) aiResponseGenerated() {
	if m == nil {
		return
	}
	m.aiResponses.Add(1)
}

func (m *Metrics) errorOccurred() {
	if m == nil {
		return
	}
	m.errors.Add(1)
}

func (m *Metrics) counters() MetricsSnapshot {
	return MetricsSnapshot{
		TotalConnections:     m.totalConnections.Load(),
		ActiveConnections:    m.activeConnections.Load(),
		MessagesProcessed:    m.messagesProcessed.Load(),
		AIResponsesGenerated: m.aiResponses.Load(),
		Errors:               m.errors.Load(),
	}
}
