package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/pkg/perplexity"
)

// PerplexityCompleter sends prompts to Perplexity's search-grounded models.
// Response-level citations are passed through on the Completion.
type PerplexityCompleter struct {
	client perplexity.Client
	model  string
}

// NewPerplexityCompleter creates a Completer for the given Perplexity model.
func NewPerplexityCompleter(client perplexity.Client, modelName string) *PerplexityCompleter {
	return &PerplexityCompleter{client: client, model: modelName}
}

// Complete implements Completer.
func (c *PerplexityCompleter) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	temp := p.Temperature
	maxTokens := p.MaxTokens
	resp, err := c.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: c.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		var se *perplexity.StatusError
		status := 0
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return nil, resilience.ClassifyStatus(eris.Wrap(err, "provider: perplexity complete"), status)
	}

	return &Completion{
		Text:      resp.Content(),
		Model:     resp.Model,
		Citations: resp.Sources(),
		Usage: model.TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}
