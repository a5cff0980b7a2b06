package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-gateway/internal/models"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

var ErrEmptyPrompt = errors.New("empty user message")

// Generator streams assistant replies from an OpenAI-compatible chat
// completion endpoint.
type Generator struct {
	client oai.Client
	model  string
}

func NewGenerator(apiKey, baseURL, model string, opts ...option.RequestOption) *Generator {
	base := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &Generator{
		client: oai.NewClient(append(base, opts...)...),
		model:  model,
	}
}

func (g *Generator) Model() string {
	return g.model
}

// GenerateStream starts a streaming completion. The returned channel yields
// chunk events followed by exactly one complete or error event, then closes.
// Cancelling ctx aborts the upstream request; nothing is sent after that.
func (g *Generator) GenerateStream(ctx context.Context, req models.GenerationRequest) (<-chan models.StreamEvent, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, ErrEmptyPrompt
	}

	params := g.buildParams(req)
	out := make(chan models.StreamEvent, 16)

	go func() {
		defer close(out)
		start := time.Now()

		send := func(ev models.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream := g.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			text       strings.Builder
			modelUsed  = g.model
			tokenCount int64
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Model != "" {
				modelUsed = chunk.Model
			}
			if chunk.Usage.CompletionTokens > 0 {
				tokenCount = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			if !send(models.ChunkEvent(delta)) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(models.ErrorEvent(fmt.Errorf("completion stream failed: %w", err)))
			return
		}

		if tokenCount == 0 {
			tokenCount = int64(len(strings.Fields(text.String())))
		}
		meta := models.MessageMetadata{
			ModelUsed:       modelUsed,
			TokenCount:      int(tokenCount),
			ResponseTimeMs:  time.Since(start).Milliseconds(),
			RelevanceScore:  0.8,
			Tags:            []string{"streamed"},
			ProcessingSteps: []string{"history_loaded", "completion_streamed"},
		}.Normalized()
		send(models.CompleteEvent(&meta))
	}()

	return out, nil
}

func (g *Generator) buildParams(req models.GenerationRequest) oai.ChatCompletionNewParams {
	prompt := BuildPrompt(req)
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(prompt))
	for _, m := range prompt {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: messages,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: oai.Bool(true),
		},
	}
	if req.Settings.Temperature > 0 {
		params.Temperature = oai.Float(req.Settings.Temperature)
	}
	if req.Settings.MaxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(req.Settings.MaxTokens))
	}
	return params
}
