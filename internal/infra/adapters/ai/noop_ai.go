package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

var (
	_ adapter.AIServiceAdapter = (*NoopAIAdapter)(nil)
	_ adapter.ToolCallingLLM   = (*NoopAIAdapter)(nil)
)

// NoopAIAdapter is used in dev mode when no provider key is configured. It
// echoes the last user message and never requests tools.
type NoopAIAdapter struct {
	log *zerolog.Logger
}

func NewNoopAIAdapter(logger *zerolog.Logger) *NoopAIAdapter {
	l := logger.With().Str("component", "noop-ai").Logger()
	return &NoopAIAdapter{log: &l}
}

func (a *NoopAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"noop-ai-model"}, nil
}

func (a *NoopAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{
		Name:        "noop-ai-model",
		Description: "Noop AI model for testing",
		MaxTokens:   1024,
		Supports:    []string{"chat", "tools"},
	}, nil
}

func (a *NoopAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	n := 0
	for _, m := range messages {
		n += EstimateTokens(m.Content)
	}
	return n, nil
}

func (a *NoopAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	reply, _, err := a.ChatWithUsage(ctx, model, messages)
	return reply, err
}

func (a *NoopAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", adapter.Usage{}, err
	}
	reply := "This is a noop AI response."
	if n := len(messages); n > 0 {
		reply = fmt.Sprintf("echo: %s", messages[n-1].Content)
	}
	a.log.Debug().Str("model", model).Int("messages", len(messages)).Msg("noop chat")
	prompt, _ := a.CountTokens(ctx, model, messages)
	completion := EstimateTokens(reply)
	return reply, adapter.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}, nil
}

func (a *NoopAIAdapter) ChatWithTools(ctx context.Context, messages []adapter.Message, tools []adapter.ToolSchema, opts adapter.ChatOptions) (*adapter.ChatResult, error) {
	reply, usage, err := a.ChatWithUsage(ctx, opts.Model, messages)
	if err != nil {
		return nil, err
	}
	return &adapter.ChatResult{Content: reply, Usage: usage}, nil
}
