package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/pkg/anthropic"
)

// AnthropicCompleter sends prompts to Claude through the Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCompleter creates a Completer for the given Claude model.
func NewAnthropicCompleter(client anthropic.Client, modelName string) *AnthropicCompleter {
	return &AnthropicCompleter{client: client, model: modelName}
}

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	temp := p.Temperature
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   int64(p.MaxTokens),
		System:      p.System,
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, resilience.ClassifyStatus(eris.Wrap(err, "provider: anthropic complete"), anthropic.StatusCode(err))
	}
	if resp.Truncated() {
		zap.L().Warn("provider: anthropic reply hit max_tokens",
			zap.String("model", resp.Model), zap.Int64("max_tokens", int64(p.MaxTokens)))
	}
	return &Completion{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
