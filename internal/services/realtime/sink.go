package realtime

import (
	"io"
	"log"
	"sync"
)

// Sink receives the events of one generation. The broadcast sink fans out to
// a session's members; WriterSink streams to a single HTTP response.
type Sink interface {
	Send(event string, data interface{})
}

type broadcastSink struct {
	broker    *Broker
	sessionID string
}

func (s broadcastSink) Send(event string, data interface{}) {
	s.broker.Broadcast(s.sessionID, event, data, "")
}

// WriterSink writes newline-delimited JSON envelopes. After Detach, or after
// the first failed write, events are dropped.
type WriterSink struct {
	mu       sync.Mutex
	w        io.Writer
	flush    func()
	detached bool
}

func NewWriterSink(w io.Writer, flush func()) *WriterSink {
	return &WriterSink{w: w, flush: flush}
}

func (s *WriterSink) Send(event string, data interface{}) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("⚠️  stream sink: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	if _, err := s.w.Write(append(frame, '\n')); err != nil {
		s.detached = true
		return
	}
	if s.flush != nil {
		s.flush()
	}
}

// Detach stops all further writes; call it once the client is gone.
func (s *WriterSink) Detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}
