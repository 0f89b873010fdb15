package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	opts   clientOptions
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		cc.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, opts: *opts}, nil
}

// splitGeminiMessages returns the system instruction and the turns. Gemini
// calls the assistant role "model".
func splitGeminiMessages(messages []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var turns []*genai.Content

	for _, m := range messages {
		part := &genai.Part{Text: m.Content}
		switch m.Role {
		case RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, part)
		case RoleUser:
			turns = append(turns, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		case RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []*genai.Part{part}})
		}
	}
	return system, turns
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	system, turns := splitGeminiMessages(messages)
	if len(turns) == 0 {
		return "", errors.New("gemini: no user message provided")
	}

	gc := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       c.opts.temperature,
	}
	if c.opts.maxTokens > 0 {
		gc.MaxOutputTokens = int32(c.opts.maxTokens)
	}
	if c.opts.jsonOutput {
		gc.ResponseMIMEType = "application/json"
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, turns, gc)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return text, nil
}
