package ai

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*NoopAIAdapter)(nil)

const noopModel = "noop-echo"

// NoopAIAdapter is used in dev mode when no provider key is configured.
// It echoes the last user message and never emits tool calls.
type NoopAIAdapter struct {
	log zerolog.Logger
}

func NewNoopAIAdapter(logger *zerolog.Logger) *NoopAIAdapter {
	return &NoopAIAdapter{log: logger.With().Str("component", "noop-ai").Logger()}
}

func (a *NoopAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{noopModel}, nil
}

func (a *NoopAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{
		Name:        noopModel,
		Provider:    "noop",
		Description: "Echo model for local development",
		MaxTokens:   8192,
		Supports:    []string{"text"},
	}, nil
}

func (a *NoopAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return CountMessageTokens(model, messages), nil
}

func (a *NoopAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	last := lastUserMessage(messages)
	a.log.Debug().Int("messages", len(messages)).Msg("noop chat")
	if last == "" {
		return "(noop) nothing to answer", nil
	}
	return "(noop) you said: " + last, nil
}

func (a *NoopAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	text, err := a.Chat(ctx, model, messages)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	in := CountMessageTokens(model, messages)
	out := CountTextTokens(model, text)
	return text, adapter.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}, nil
}

func (a *NoopAIAdapter) ChatWithTools(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	text, usage, err := a.ChatWithUsage(ctx, model, messages)
	return adapter.ChatResult{Content: text, Usage: usage}, err
}

func lastUserMessage(messages []adapter.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}
