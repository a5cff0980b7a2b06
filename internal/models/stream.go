package models

// StreamEventKind tags a value produced by a response generator.
type StreamEventKind int

const (
	StreamChunk StreamEventKind = iota
	StreamComplete
	StreamError
)

// StreamEvent is one item of a generation stream: a text chunk, the final
// completion (Metadata may be nil) or an error. A well-behaved generator sends
// exactly one StreamComplete or StreamError and then closes the channel.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	Metadata *MessageMetadata
	Err      error
}

func ChunkEvent(text string) StreamEvent {
	return StreamEvent{Kind: StreamChunk, Text: text}
}

func CompleteEvent(meta *MessageMetadata) StreamEvent {
	return StreamEvent{Kind: StreamComplete, Metadata: meta}
}

func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Kind: StreamError, Err: err}
}

// GenerationRequest is everything a generator needs to produce one reply.
type GenerationRequest struct {
	SessionID       string
	UserID          string
	UserMessage     string
	ParentMessageID string
	History         []*Message
	Settings        SessionSettings
}
