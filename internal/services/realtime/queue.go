package realtime

import (
	"context"
	"log"
	"sync"
)

/*
LEARNING: PER-KEY WORKERS

A fixed worker pool would let two generations for the same session run at
once. Instead each session with pending work gets exactly one worker goroutine
that drains that session's queue in order and exits when it is empty.
Different sessions run in parallel; a session never runs two jobs at a time.
*/

type generationQueue struct {
	mu        sync.Mutex
	pending   map[string][]*GenerationJob
	running   map[string]bool
	maxQueued int
	closed    bool
	run       func(*GenerationJob)
	wg        sync.WaitGroup
}

func newGenerationQueue(maxQueued int, run func(*GenerationJob)) *generationQueue {
	if maxQueued <= 0 {
		maxQueued = 16
	}
	return &generationQueue{
		pending:   make(map[string][]*GenerationJob),
		running:   make(map[string]bool),
		maxQueued: maxQueued,
		run:       run,
	}
}

// submit appends job behind any earlier work for the same session.
func (q *generationQueue) submit(job *GenerationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	if len(q.pending[job.SessionID]) >= q.maxQueued {
		return ErrQueueFull
	}

	q.pending[job.SessionID] = append(q.pending[job.SessionID], job)
	if !q.running[job.SessionID] {
		q.running[job.SessionID] = true
		q.wg.Add(1)
		go q.worker(job.SessionID)
	}
	return nil
}

func (q *generationQueue) worker(sessionID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		jobs := q.pending[sessionID]
		if len(jobs) == 0 {
			delete(q.pending, sessionID)
			delete(q.running, sessionID)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		jobs[0] = nil
		q.pending[sessionID] = jobs[1:]
		q.mu.Unlock()

		q.run(job)
	}
}

// pendingCount is the number of queued jobs not yet started.
func (q *generationQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, jobs := range q.pending {
		n += len(jobs)
	}
	return n
}

func (q *generationQueue) busy(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[sessionID]
}

// shutdown refuses new work and waits for queued work to finish or ctx to end.
func (q *generationQueue) shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Printf("⚠️  generation queue shutdown: %d job(s) still pending", q.pendingCount())
		return ctx.Err()
	}
}
