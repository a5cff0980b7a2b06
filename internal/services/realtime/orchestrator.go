package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// FallbackMessage is stored and delivered when generation cannot produce a reply.
const FallbackMessage = "I apologize, but I'm experiencing technical difficulties. Please try again in a moment."

// GenerationState is the position of one streamed response in its lifecycle.
type GenerationState int

const (
	StateIdle GenerationState = iota
	StateFetchingHistory
	StateGenerating
	StateCompleting
	StateTimedOut
	StateFailed
	StateFallbackSending
	StateDone
)

func (s GenerationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingHistory:
		return "fetching_history"
	case StateGenerating:
		return "generating"
	case StateCompleting:
		return "completing"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateFallbackSending:
		return "fallback_sending"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// active reports whether the state occupies the session's generation slot.
func (s GenerationState) active() bool {
	return s == StateFetchingHistory || s == StateGenerating || s == StateCompleting
}

// Transition is reported to an observer on every state change.
type Transition struct {
	SessionID   string
	AIRequestID string
	From, To    GenerationState
}

// GenerationJob asks for an assistant reply to a stored user message.
type GenerationJob struct {
	SessionID       string
	UserID          string
	UserMessage     string
	ParentMessageID string
	Sink            Sink

	done chan struct{}
}

type OrchestratorConfig struct {
	Timeout      time.Duration
	HistoryLimit int
	StoreTimeout time.Duration
	MaxQueued    int
}

// Orchestrator drives the response generator for stored user messages and
// streams the outcome to a sink. Jobs for one session run strictly one after
// another.
type Orchestrator struct {
	store     SessionStore
	generator ResponseGenerator
	broker    *Broker
	metrics   *Metrics
	cfg       OrchestratorConfig
	queue     *generationQueue

	observeMu sync.Mutex
	observe   func(Transition)
}

func NewOrchestrator(store SessionStore, generator ResponseGenerator, broker *Broker, metrics *Metrics, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > 10 {
		cfg.HistoryLimit = 10
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}

	o := &Orchestrator{
		store:     store,
		generator: generator,
		broker:    broker,
		metrics:   metrics,
		cfg:       cfg,
	}
	o.queue = newGenerationQueue(cfg.MaxQueued, o.run)
	return o
}

// Observe installs fn to be called on every state transition.
func (o *Orchestrator) Observe(fn func(Transition)) {
	o.observeMu.Lock()
	o.observe = fn
	o.observeMu.Unlock()
}

// BroadcastSink delivers to every member of sessionID.
func (o *Orchestrator) BroadcastSink(sessionID string) Sink {
	return broadcastSink{broker: o.broker, sessionID: sessionID}
}

// Enqueue schedules job behind earlier work for its session. The returned
// channel closes once the job reaches Done.
func (o *Orchestrator) Enqueue(job GenerationJob) (<-chan struct{}, error) {
	j := &job
	j.done = make(chan struct{})
	if j.Sink == nil {
		j.Sink = o.BroadcastSink(j.SessionID)
	}
	if err := o.queue.submit(j); err != nil {
		return nil, err
	}
	return j.done, nil
}

// Busy reports whether a generation for sessionID is queued or running.
func (o *Orchestrator) Busy(sessionID string) bool {
	return o.queue.busy(sessionID)
}

func (o *Orchestrator) Pending() int {
	return o.queue.pendingCount()
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.queue.shutdown(ctx)
}

// streamedResponse is the transient record of one in-flight generation.
type streamedResponse struct {
	job          *GenerationJob
	aiRequestID  string
	state        GenerationState
	text         strings.Builder
	chunks       int
	startedAt    time.Time
	generatingAt time.Time

	typingStarted bool
	typingStopped bool
	failure       string
}

func (o *Orchestrator) transition(sr *streamedResponse, to GenerationState) {
	from := sr.state
	sr.state = to

	o.observeMu.Lock()
	fn := o.observe
	o.observeMu.Unlock()
	if fn != nil {
		fn(Transition{SessionID: sr.job.SessionID, AIRequestID: sr.aiRequestID, From: from, To: to})
	}
}

type generationOutcome int

const (
	outcomeCompleted generationOutcome = iota
	outcomeTimedOut
	outcomeFailed
)

// run is the state machine for one job.
func (o *Orchestrator) run(job *GenerationJob) {
	defer close(job.done)

	sr := &streamedResponse{
		job:         job,
		aiRequestID: uuid.NewString(),
		startedAt:   time.Now(),
		state:       StateIdle,
	}

	ctx, span := middleware.StartSpan(context.Background(), "Orchestrator.Generate",
		attribute.String("session.id", job.SessionID),
		attribute.String("ai.request_id", sr.aiRequestID),
	)
	defer span.End()

	o.transition(sr, StateFetchingHistory)
	req, err := o.fetchContext(ctx, job)
	if err != nil {
		log.Printf("❌ history fetch failed: session=%s ai_request=%s kind=%s err=%v",
			job.SessionID, sr.aiRequestID, storeErrorKind(err), err)
		middleware.AddSpanError(ctx, err)
		sr.failure = "history_unavailable"
		o.transition(sr, StateFailed)
	} else {
		o.transition(sr, StateGenerating)
		sr.generatingAt = time.Now()
		sr.typingStarted = true
		job.Sink.Send(EventAITypingStart, AITypingEvent{
			SessionID:   job.SessionID,
			AIRequestID: sr.aiRequestID,
			Timestamp:   time.Now(),
		})

		outcome, meta := o.generate(ctx, sr, req)
		switch outcome {
		case outcomeCompleted:
			o.transition(sr, StateCompleting)
			if !o.complete(ctx, sr, meta) {
				// persistence failure is terminal: no fallback
				o.transition(sr, StateFailed)
				o.finish(ctx, sr)
				return
			}
		case outcomeTimedOut:
			o.transition(sr, StateTimedOut)
		default:
			o.transition(sr, StateFailed)
		}
	}

	if sr.state == StateTimedOut || sr.state == StateFailed {
		o.transition(sr, StateFallbackSending)
		o.sendFallback(ctx, sr)
	}
	o.finish(ctx, sr)
}

func (o *Orchestrator) finish(ctx context.Context, sr *streamedResponse) {
	middleware.AddSpanEvent(ctx, "generation_finished",
		attribute.Int("chunks", sr.chunks),
		attribute.Int("response_length", sr.text.Len()),
	)
	log.Printf("generation done: session=%s ai_request=%s chunks=%d length=%d elapsed_ms=%d failure=%q",
		sr.job.SessionID, sr.aiRequestID, sr.chunks, sr.text.Len(), time.Since(sr.startedAt).Milliseconds(), sr.failure)
	o.transition(sr, StateDone)
}

func (o *Orchestrator) fetchContext(ctx context.Context, job *GenerationJob) (models.GenerationRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	session, err := o.store.GetSession(ctx, job.SessionID, job.UserID)
	if err != nil {
		return models.GenerationRequest{}, err
	}
	var history []*models.Message
	if job.ParentMessageID != "" {
		history, err = o.store.GetHistoryUntil(ctx, job.SessionID, job.UserID, job.ParentMessageID, o.cfg.HistoryLimit)
	} else {
		var page *models.HistoryPage
		page, err = o.store.GetChatHistory(ctx, job.SessionID, job.UserID, o.cfg.HistoryLimit, 0)
		if page != nil {
			history = page.Messages
		}
	}
	if err != nil {
		return models.GenerationRequest{}, err
	}

	return models.GenerationRequest{
		SessionID:       job.SessionID,
		UserID:          job.UserID,
		UserMessage:     job.UserMessage,
		ParentMessageID: job.ParentMessageID,
		History:         history,
		Settings:        session.Settings,
	}, nil
}

// generate consumes the generator's stream until a terminal event or the
// timeout. Chunks are forwarded in arrival order; nothing is forwarded once
// the timeout has fired.
func (o *Orchestrator) generate(ctx context.Context, sr *streamedResponse, req models.GenerationRequest) (generationOutcome, *models.MessageMetadata) {
	genCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	stream, err := o.generator.GenerateStream(genCtx, req)
	if err != nil {
		log.Printf("❌ generator refused request: session=%s ai_request=%s err=%v", sr.job.SessionID, sr.aiRequestID, err)
		middleware.AddSpanError(ctx, err)
		sr.failure = "generator_error"
		return outcomeFailed, nil
	}
	defer func() {
		// let a generator that ignores cancellation finish without blocking
		go func() {
			for range stream {
			}
		}()
	}()

	for {
		select {
		case <-genCtx.Done():
			return o.timedOut(ctx, sr)

		case ev, ok := <-stream:
			if genCtx.Err() != nil {
				return o.timedOut(ctx, sr)
			}
			if !ok {
				sr.failure = "stream_closed"
				return outcomeFailed, nil
			}

			switch ev.Kind {
			case models.StreamChunk:
				if ev.Text == "" {
					continue
				}
				sr.text.WriteString(ev.Text)
				sr.chunks++
				sr.job.Sink.Send(EventAIResponseChunk, AIResponseChunkEvent{
					SessionID:   sr.job.SessionID,
					AIRequestID: sr.aiRequestID,
					ChunkNumber: sr.chunks,
					Content:     ev.Text,
					TotalLength: sr.text.Len(),
					IsFinal:     false,
					Timestamp:   time.Now(),
				})

			case models.StreamComplete:
				if strings.TrimSpace(sr.text.String()) == "" {
					sr.failure = "empty_response"
					return outcomeFailed, nil
				}
				return outcomeCompleted, ev.Metadata

			case models.StreamError:
				err := ev.Err
				if err == nil {
					err = errors.New("generator reported an error")
				}
				log.Printf("❌ generation failed: session=%s ai_request=%s chunks=%d err=%v",
					sr.job.SessionID, sr.aiRequestID, sr.chunks, err)
				middleware.AddSpanError(ctx, err)
				sr.failure = "generator_error"
				return outcomeFailed, nil
			}
		}
	}
}

func (o *Orchestrator) timedOut(ctx context.Context, sr *streamedResponse) (generationOutcome, *models.MessageMetadata) {
	log.Printf("⚠️  generation timed out: session=%s ai_request=%s after=%s chunks=%d",
		sr.job.SessionID, sr.aiRequestID, o.cfg.Timeout, sr.chunks)
	middleware.AddSpanEvent(ctx, "generation_timeout")
	sr.failure = "timeout"
	return outcomeTimedOut, nil
}

// complete persists the generated reply. It reports false when the reply
// could not be saved.
func (o *Orchestrator) complete(ctx context.Context, sr *streamedResponse, meta *models.MessageMetadata) bool {
	o.stopTyping(sr)

	content := sr.text.String()
	metadata := o.defaultMetadata(sr, content)
	if meta != nil {
		metadata = *meta
		if metadata.ResponseTimeMs == 0 {
			metadata.ResponseTimeMs = time.Since(sr.startedAt).Milliseconds()
		}
	}

	msg, err := o.persist(sr, content, metadata)
	if err != nil {
		log.Printf("❌ failed to save AI response: session=%s ai_request=%s length=%d err=%v",
			sr.job.SessionID, sr.aiRequestID, len(content), err)
		middleware.AddSpanError(ctx, err)
		o.metrics.errorOccurred()
		sr.failure = "save_failed"
		sr.job.Sink.Send(EventAIResponseError, AIResponseErrorEvent{
			SessionID:       sr.job.SessionID,
			AIRequestID:     sr.aiRequestID,
			Type:            "save_failed",
			Error:           "failed to save AI response",
			PartialResponse: content,
			Timestamp:       time.Now(),
		})
		return false
	}

	o.metrics.aiResponseGenerated()
	sr.job.Sink.Send(EventAIResponseComplete, AIResponseCompleteEvent{
		SessionID:      sr.job.SessionID,
		AIRequestID:    sr.aiRequestID,
		Message:        msg,
		StreamingStats: sr.stats(content),
		IsFallback:     false,
		Timestamp:      time.Now(),
	})
	return true
}

// sendFallback makes the single attempt to store and deliver the fixed
// fallback reply.
func (o *Orchestrator) sendFallback(ctx context.Context, sr *streamedResponse) {
	if sr.typingStarted {
		o.stopTyping(sr)
	}
	o.metrics.errorOccurred()

	metadata := models.MessageMetadata{
		ModelUsed:       "fallback",
		TokenCount:      len(strings.Fields(FallbackMessage)),
		ResponseTimeMs:  time.Since(sr.startedAt).Milliseconds(),
		Tags:            []string{"fallback", "error"},
		ProcessingSteps: []string{sr.failure},
	}

	msg, err := o.persist(sr, FallbackMessage, metadata)
	if err != nil {
		log.Printf("❌ failed to save fallback response: session=%s ai_request=%s err=%v",
			sr.job.SessionID, sr.aiRequestID, err)
		middleware.AddSpanError(ctx, err)
		sr.job.Sink.Send(EventAIResponseError, AIResponseErrorEvent{
			SessionID:       sr.job.SessionID,
			AIRequestID:     sr.aiRequestID,
			Type:            "complete_failure",
			Error:           "failed to generate AI response",
			PartialResponse: sr.text.String(),
			Timestamp:       time.Now(),
		})
		return
	}

	o.metrics.aiResponseGenerated()
	sr.job.Sink.Send(EventAIResponseComplete, AIResponseCompleteEvent{
		SessionID:      sr.job.SessionID,
		AIRequestID:    sr.aiRequestID,
		Message:        msg,
		StreamingStats: sr.stats(FallbackMessage),
		IsFallback:     true,
		Timestamp:      time.Now(),
	})
}

func (o *Orchestrator) stopTyping(sr *streamedResponse) {
	if sr.typingStopped {
		return
	}
	sr.typingStopped = true
	sr.job.Sink.Send(EventAITypingStop, AITypingEvent{
		SessionID:   sr.job.SessionID,
		AIRequestID: sr.aiRequestID,
		Timestamp:   time.Now(),
	})
}

// persist uses a fresh context so a generation timeout does not also cancel
// the save.
func (o *Orchestrator) persist(sr *streamedResponse, content string, metadata models.MessageMetadata) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()

	return o.store.SendMessage(ctx, &models.MessageCreate{
		SessionID:       sr.job.SessionID,
		UserID:          sr.job.UserID,
		Content:         content,
		Type:            models.MessageTypeAssistant,
		Metadata:        metadata,
		ParentMessageID: sr.job.ParentMessageID,
	})
}

func (o *Orchestrator) defaultMetadata(sr *streamedResponse, content string) models.MessageMetadata {
	return models.MessageMetadata{
		ModelUsed:      "streaming",
		TokenCount:     len(strings.Fields(content)),
		ResponseTimeMs: time.Since(sr.startedAt).Milliseconds(),
		RelevanceScore: 0.8,
		Tags:           []string{"streamed"},
	}
}

func (sr *streamedResponse) stats(content string) StreamingStats {
	from := sr.generatingAt
	if from.IsZero() {
		from = sr.startedAt
	}
	elapsed := time.Since(from)

	stats := StreamingStats{
		TotalChunks:    sr.chunks,
		ResponseLength: len(content),
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.ChunksPerSecond = round2(float64(sr.chunks) / secs)
		stats.WordsPerMinute = round2(float64(len(strings.Fields(content))) / (secs / 60))
	}
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
