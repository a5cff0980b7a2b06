package openai

import (
	"fmt"
	"strings"

	"chat-gateway/internal/models"
)

const defaultSystemPrompt = "You are a helpful assistant in a chat application. Answer clearly and concisely."

// ChatMessage represents a message in chat completion
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// BuildPrompt turns a generation request into chat completion messages:
// system prompt, prior turns oldest first, then the new user message.
// The stored copy of the message being answered is skipped so it is not sent twice.
func BuildPrompt(req models.GenerationRequest) []ChatMessage {
	messages := make([]ChatMessage, 0, len(req.History)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: buildSystemPrompt(req.Settings)})

	for _, m := range req.History {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if req.ParentMessageID != "" && m.ID == req.ParentMessageID {
			continue
		}
		messages = append(messages, ChatMessage{Role: roleFor(m.Type), Content: m.Content})
	}

	messages = append(messages, ChatMessage{Role: "user", Content: req.UserMessage})
	return messages
}

func buildSystemPrompt(settings models.SessionSettings) string {
	prompt := defaultSystemPrompt
	if settings.SystemPrompt != "" {
		prompt = settings.SystemPrompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	if settings.AIPersona != "" {
		fmt.Fprintf(&b, "\n\nRespond in the persona of: %s.", settings.AIPersona)
	}
	if settings.EnableRAG && len(settings.DocumentSources) > 0 {
		fmt.Fprintf(&b, "\n\nWhen relevant, base your answer on these document sources and cite which one you used: %s.",
			strings.Join(settings.DocumentSources, ", "))
	}
	return b.String()
}

func roleFor(t models.MessageType) string {
	switch t {
	case models.MessageTypeAssistant:
		return "assistant"
	case models.MessageTypeSystem:
		return "system"
	default:
		return "user"
	}
}
