package ai

import (
	"context"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

// Compile-time check
var (
	_ adapter.AIServiceAdapter = (*limitedAI)(nil)
	_ adapter.ToolCallingLLM   = (*limitedToolLLM)(nil)
)

// semaphore bounds concurrent provider calls; acquiring honours ctx.
type semaphore chan struct{}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }

type limitedAI struct {
	inner adapter.AIServiceAdapter
	sem   semaphore
}

func NewLimitedAI(inner adapter.AIServiceAdapter, maxConcurrent int) adapter.AIServiceAdapter {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAI{inner: inner, sem: make(semaphore, maxConcurrent)}
}

func (l *limitedAI) ListModels(ctx context.Context) ([]string, error) {
	return l.inner.ListModels(ctx)
}

func (l *limitedAI) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return l.inner.GetModelInfo(model)
}

func (l *limitedAI) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	if err := l.sem.acquire(ctx); err != nil {
		return "", err
	}
	defer l.sem.release()
	return l.inner.Chat(ctx, model, messages)
}

func (l *limitedAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if err := l.sem.acquire(ctx); err != nil {
		return "", adapter.Usage{}, err
	}
	defer l.sem.release()
	return l.inner.ChatWithUsage(ctx, model, messages)
}

// CountTokens bypasses the limit.
func (l *limitedAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return l.inner.CountTokens(ctx, model, messages)
}

type limitedToolLLM struct {
	inner adapter.ToolCallingLLM
	sem   semaphore
}

// NewLimitedToolLLM bounds concurrent agent steps across all runs of the process.
func NewLimitedToolLLM(inner adapter.ToolCallingLLM, maxConcurrent int) adapter.ToolCallingLLM {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedToolLLM{inner: inner, sem: make(semaphore, maxConcurrent)}
}

func (l *limitedToolLLM) ChatWithTools(ctx context.Context, messages []adapter.Message, tools []adapter.ToolSchema, opts adapter.ChatOptions) (*adapter.ChatResult, error) {
	if err := l.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.release()
	return l.inner.ChatWithTools(ctx, messages, tools, opts)
}
