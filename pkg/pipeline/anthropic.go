package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicLLMClient implements LLMClient against the Anthropic API. Reads
// credentials from the environment via the SDK defaults.
type AnthropicLLMClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicLLMClient(log *slog.Logger, model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		log:       log,
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends one prompt pair and returns the first text block of the
// response.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("model call completed", "stopReason", msg.StopReason, "promptLen", len(userPrompt))

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}
