package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
	opts   clientOptions
}

func newAnthropicClient(apiKey, model string, opts *clientOptions) (*anthropicClient, error) {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.baseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(reqOpts...), model: model, opts: *opts}, nil
}

// anthropicParams maps the neutral message list onto the Messages API, which
// keeps system text out of the turn list.
func (c *anthropicClient) anthropicParams(messages []Message) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.opts.maxTokens),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultMaxTokens
	}
	if c.opts.temperature != nil {
		params.Temperature = anthropic.Float(float64(*c.opts.temperature))
	}

	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		}
	}
	if c.opts.jsonOutput {
		params.System = append(params.System, anthropic.TextBlockParam{Text: jsonInstruction})
	}
	return params
}

func (c *anthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.Messages.New(ctx, c.anthropicParams(messages))
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return text, nil
}
