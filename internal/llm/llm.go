// Package llm is a thin provider-neutral chat completion layer over the
// OpenAI, Anthropic and Gemini SDKs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const defaultMaxTokens = 4096

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty completion")

type Message struct {
	Role    string
	Content string
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	jsonOutput  bool
	maxTokens   int
	temperature *float32
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithJSONOutput asks the provider to reply with a single JSON object.
// Providers without a JSON mode get an extra instruction instead.
func WithJSONOutput() Option {
	return func(o *clientOptions) {
		o.jsonOutput = true
	}
}

func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature overrides the provider default sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *clientOptions) {
		o.temperature = &t
	}
}

// ParseModel splits a "provider/model" reference.
func ParseModel(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, "/")
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model reference %q: expected provider/model", ref)
	}
	return provider, model, nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(o)
	}

	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", provider)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}

const jsonInstruction = "Respond with a single JSON object and nothing else."
