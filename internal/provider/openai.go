package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
)

// OpenAICompleter talks to any OpenAI-compatible chat completions endpoint.
// xAI Grok is served by pointing the base URL at its API.
type OpenAICompleter struct {
	client   *openai.Client
	model    string
	jsonMode bool
}

// NewOpenAICompleter creates a Completer. An empty baseURL uses OpenAI.
func NewOpenAICompleter(apiKey, baseURL, modelName string, jsonMode bool) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{
		client:   openai.NewClientWithConfig(cfg),
		model:    modelName,
		jsonMode: jsonMode,
	}
}

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature: float32(p.Temperature),
		MaxTokens:   p.MaxTokens,
	}
	if c.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, resilience.ClassifyStatus(eris.Wrap(err, "provider: openai complete"), openAIStatus(err))
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("provider: openai returned no choices")
	}

	return &Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
