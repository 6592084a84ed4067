package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/config"
	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/infra/adapters/ai"
	"whatsapp-ai-platform/internal/infra/adapters/evolution"
	"whatsapp-ai-platform/internal/infra/adapters/notify"
	"whatsapp-ai-platform/internal/infra/adapters/tools"
)

type adapters struct {
	gateway  adapter.MessagingGateway
	chat     adapter.AIServiceAdapter
	llm      adapter.ToolCallingLLM
	tools    adapter.ToolService
	notifier adapter.Notifier
	closers  []func()
}

func (a *adapters) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildAdapters picks real adapters when configured. In dev mode missing
// providers fall back to noop implementations; otherwise they are errors.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*adapters, error) {
	out := &adapters{}
	dev := cfg.Runtime.Dev

	// ---- WhatsApp gateway ----
	switch {
	case cfg.Evolution.URL != "":
		gw, err := evolution.NewGateway(cfg.Evolution.URL, cfg.Evolution.APIKey, cfg.Evolution.Timeout)
		if err != nil {
			return nil, fmt.Errorf("evolution gateway: %w", err)
		}
		out.gateway = gw
		logger.Info().Str("url", cfg.Evolution.URL).Msg("gateway: evolution")
	case dev:
		out.gateway = evolution.NewNoopGateway(logger)
		logger.Warn().Msg("gateway: noop (dev)")
	default:
		return nil, fmt.Errorf("evolution.url is required outside dev mode")
	}

	// ---- LLM providers ----
	providers := map[string]adapter.AIServiceAdapter{}
	var toolLLM adapter.ToolCallingLLM
	if cfg.AI.OpenAIKey != "" {
		oa, err := ai.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.AgentModel, cfg.AI.Temperature, cfg.AI.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		providers["openai"] = oa
		toolLLM = oa
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := ai.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		providers["gemini"] = gm
	}
	if len(providers) == 0 {
		if !dev {
			return nil, fmt.Errorf("no AI provider configured: set ai.openai_key or ai.gemini_key")
		}
		noop := ai.NewNoopAIAdapter(logger)
		providers["openai"] = noop
		toolLLM = noop
		logger.Warn().Msg("ai: noop (dev)")
	}
	if toolLLM == nil {
		if !dev {
			return nil, fmt.Errorf("agent runs need an OpenAI-compatible provider: set ai.openai_key")
		}
		toolLLM = ai.NewNoopAIAdapter(logger)
		logger.Warn().Msg("agent llm: noop (dev)")
	}
	defaultProvider := "openai"
	if _, ok := providers["openai"]; !ok {
		defaultProvider = "gemini"
	}
	out.chat = ai.NewLimitedAI(ai.NewMultiAIAdapter(defaultProvider, providers, nil), cfg.AI.ConcurrentLimit)
	out.llm = ai.NewLimitedToolLLM(toolLLM, cfg.AI.ConcurrentLimit)

	// ---- Tool service ----
	switch {
	case cfg.Tools.MCPURL != "":
		ts, err := tools.NewToolService(cfg.Tools.MCPURL, version, logger)
		if err != nil {
			return nil, fmt.Errorf("mcp tools: %w", err)
		}
		out.tools = ts
		out.closers = append(out.closers, ts.Close)
	default:
		out.tools = noTools{}
		logger.Warn().Msg("tools: none configured, agents run without tools")
	}

	// ---- Notifier ----
	if cfg.Notify.AMQPURL != "" {
		n, err := notify.NewAMQPNotifier(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("amqp notifier: %w", err)
		}
		out.notifier = n
		out.closers = append(out.closers, n.Close)
	} else {
		out.notifier = notify.NewLogNotifier(logger)
	}
	return out, nil
}

// noTools is the empty tool catalogue.
type noTools struct{}

func (noTools) ListTools(context.Context, string) ([]adapter.ToolSchema, error) { return nil, nil }

func (noTools) ExecuteTool(_ context.Context, _, name string, _ map[string]any) (adapter.ToolResult, error) {
	return adapter.ToolResult{Content: "unknown tool " + name, IsError: true}, nil
}

func (noTools) Release(string) {}
