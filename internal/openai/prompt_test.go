package openai

import (
	"testing"

	"chat-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPromptOrdersHistoryAndSkipsParent(t *testing.T) {
	req := models.GenerationRequest{
		UserMessage:     "what next?",
		ParentMessageID: "m3",
		History: []*models.Message{
			{ID: "m1", Content: "hi", Type: models.MessageTypeUser},
			{ID: "m2", Content: "hello!", Type: models.MessageTypeAssistant},
			{ID: "m3", Content: "what next?", Type: models.MessageTypeUser},
		},
	}

	got := BuildPrompt(req)
	require.Len(t, got, 4)
	assert.Equal(t, "system", got[0].Role)
	assert.Equal(t, defaultSystemPrompt, got[0].Content)
	assert.Equal(t, ChatMessage{Role: "user", Content: "hi"}, got[1])
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "hello!"}, got[2])
	assert.Equal(t, ChatMessage{Role: "user", Content: "what next?"}, got[3])
}

func TestBuildPromptUsesSettings(t *testing.T) {
	req := models.GenerationRequest{
		UserMessage: "summarise",
		Settings: models.SessionSettings{
			SystemPrompt:    "You are terse.",
			AIPersona:       "librarian",
			EnableRAG:       true,
			DocumentSources: []string{"handbook", "faq"},
		},
	}

	got := BuildPrompt(req)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Content, "You are terse.")
	assert.Contains(t, got[0].Content, "librarian")
	assert.Contains(t, got[0].Content, "handbook, faq")
	assert.NotContains(t, got[0].Content, defaultSystemPrompt)
}

func TestBuildPromptIgnoresRAGWithoutSources(t *testing.T) {
	got := BuildPrompt(models.GenerationRequest{
		UserMessage: "x",
		Settings:    models.SessionSettings{EnableRAG: true},
	})
	assert.Equal(t, defaultSystemPrompt, got[0].Content)
}
