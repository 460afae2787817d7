// Package llm adapts langchaingo chat models to the tutor's completion
// collaborator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ashureev/studybot/internal/policy"
)

// Config configures the OpenAI-backed completer.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// LangChainCompleter implements policy.Completer over an llms.Model.
type LangChainCompleter struct {
	model       llms.Model
	maxTokens   int
	temperature float64
}

// New returns a completer for cfg. With no API key it returns a completer
// that always reports policy.ErrCompletionDisabled, so the tutor runs on
// local fallbacks.
func New(cfg Config) (policy.Completer, error) {
	if cfg.APIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, tutor replies will use local fallbacks")
		return Disabled{}, nil
	}

	model, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewWithModel(model, cfg.MaxTokens, cfg.Temperature), nil
}

// NewWithModel wraps an existing model.
func NewWithModel(model llms.Model, maxTokens int, temperature float64) *LangChainCompleter {
	if maxTokens <= 0 {
		maxTokens = 800
	}
	if temperature <= 0 {
		temperature = 0.7
	}
	return &LangChainCompleter{model: model, maxTokens: maxTokens, temperature: temperature}
}

// Complete sends messages to the model and returns the first choice.
func (c *LangChainCompleter) Complete(ctx context.Context, messages []policy.ChatMessage) (string, error) {
	history := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		history = append(history, llms.TextParts(messageType(m.Role), m.Content))
	}

	temperature := c.temperature
	if t, ok := policy.TemperatureFrom(ctx); ok {
		temperature = t
	}

	resp, err := c.model.GenerateContent(ctx, history,
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(c.maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("generate content: no choices returned")
	}
	return resp.Choices[0].Content, nil
}

func messageType(role policy.ChatRole) llms.ChatMessageType {
	switch role {
	case policy.ChatRoleSystem:
		return llms.ChatMessageTypeSystem
	case policy.ChatRoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// Disabled is the completer used when no model is configured.
type Disabled struct{}

// Complete always fails with policy.ErrCompletionDisabled.
func (Disabled) Complete(context.Context, []policy.ChatMessage) (string, error) {
	return "", policy.ErrCompletionDisabled
}
