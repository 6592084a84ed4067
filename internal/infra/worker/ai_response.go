package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/infra/metrics"
)

// ConversationHistory is the shared per-contact chat context.
type ConversationHistory interface {
	History(ctx context.Context, orgID, contact string) ([]adapter.Message, error)
	Append(ctx context.Context, orgID, contact string, msgs ...adapter.Message) error
}

type AiResponseConfig struct {
	Model string
	// TokenBudget bounds system prompt + history + incoming message.
	TokenBudget    int
	PerCharDelay   time.Duration
	MinTypingDelay time.Duration
	MaxTypingDelay time.Duration
	// ThrottledDelay is waited before answering through a THROTTLED instance.
	ThrottledDelay time.Duration
	Dev            bool
}

func DefaultAiResponseConfig() AiResponseConfig {
	return AiResponseConfig{
		TokenBudget:    3000,
		PerCharDelay:   50 * time.Millisecond,
		MinTypingDelay: time.Second,
		MaxTypingDelay: 8 * time.Second,
		ThrottledDelay: 10 * time.Second,
	}
}

// AiResponder answers an inbound WhatsApp message with an LLM reply.
type AiResponder struct {
	gateway   adapter.MessagingGateway
	llm       adapter.AIServiceAdapter
	history   ConversationHistory
	orgs      repository.OrganizationRepository
	instances repository.InstanceRepository
	cfg       AiResponseConfig
	log       *zerolog.Logger
	sleep     Sleeper
}

func NewAiResponder(
	gateway adapter.MessagingGateway,
	llm adapter.AIServiceAdapter,
	history ConversationHistory,
	orgs repository.OrganizationRepository,
	instances repository.InstanceRepository,
	cfg AiResponseConfig,
	logger *zerolog.Logger,
) *AiResponder {
	l := logger.With().Str("component", "ai_response").Logger()
	return &AiResponder{
		gateway:   gateway,
		llm:       llm,
		history:   history,
		orgs:      orgs,
		instances: instances,
		cfg:       cfg,
		log:       &l,
		sleep:     SleepContext,
	}
}

func (a *AiResponder) WithSleeper(s Sleeper) *AiResponder {
	a.sleep = s
	return a
}

func (a *AiResponder) Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error {
	p, ok := payload.(model.AiResponsePayload)
	if !ok {
		return Permanent(fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue))
	}
	log := logging.With(ctx, a.log)
	contact := CleanNumber(p.To)

	inst, err := a.instance(ctx, p)
	if err != nil {
		return err
	}
	if inst.Health == model.InstanceThrottled {
		if err := a.sleep(ctx, a.cfg.ThrottledDelay); err != nil {
			return err
		}
	}

	bestEffort(log, "presence_composing", func() error {
		return a.gateway.SetPresence(ctx, p.InstanceName, contact, adapter.PresenceComposing)
	})
	// paused is sent on every exit path once composing went out
	defer bestEffort(log, "presence_paused", func() error {
		return a.gateway.SetPresence(context.WithoutCancel(ctx), p.InstanceName, contact, adapter.PresencePaused)
	})

	past, err := a.history.History(ctx, p.OrganizationID, contact)
	if err != nil {
		log.Warn().Err(err).Msg("conversation history unavailable, answering without context")
		past = nil
	}
	user := adapter.Message{Role: "user", Content: p.UserMessage}
	messages := a.buildPrompt(ctx, log, SystemPrompt(p.Industry), past, user)

	start := time.Now()
	reply, usage, err := a.llm.ChatWithUsage(ctx, a.cfg.Model, messages)
	metrics.ObserveChatUsage("auto_response", a.cfg.Model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, time.Since(start).Milliseconds(), err == nil)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Warn().Msg("llm returned an empty reply, nothing to send")
		return nil
	}

	if err := a.sleep(ctx, a.typingDelay(reply)); err != nil {
		return err
	}
	if err := a.gateway.SendText(ctx, p.InstanceName, contact, reply); err != nil {
		return fmt.Errorf("send reply via %s: %w", p.InstanceName, err)
	}
	metrics.IncMessageSent("ai_response", string(inst.Health))
	log.Info().
		Str("instance", p.InstanceName).
		Str("to", logging.Redact(contact, a.cfg.Dev)).
		Int("reply_len", len(reply)).
		Msg("auto-response sent")

	bg := context.WithoutCancel(ctx)
	bestEffort(log, "conversation_append", func() error {
		return a.history.Append(bg, p.OrganizationID, contact, user, adapter.Message{Role: "assistant", Content: reply})
	})
	bestEffort(log, "usage_bookkeeping", func() error {
		return a.orgs.IncrementUsage(bg, nil, p.OrganizationID, 1, 0)
	})
	return nil
}

// instance resolves the sending instance and refuses one that belongs to
// another organization or is BANNED.
func (a *AiResponder) instance(ctx context.Context, p model.AiResponsePayload) (*model.WhatsAppInstance, error) {
	inst, err := a.instances.FindByName(ctx, nil, p.InstanceName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, Permanent(fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, p.InstanceName))
		}
		return nil, err
	}
	if inst.OrganizationID != p.OrganizationID {
		return nil, Permanent(fmt.Errorf("%w: %s does not belong to %s", domain.ErrInstanceNotFound, p.InstanceName, p.OrganizationID))
	}
	if !inst.Sendable() {
		a.log.Error().Str("instance", p.InstanceName).Msg("instance is BANNED, refusing to auto-respond")
		return nil, Permanent(fmt.Errorf("%w: %s", domain.ErrInstanceBanned, p.InstanceName))
	}
	return inst, nil
}

// buildPrompt drops the oldest history turns until the prompt fits TokenBudget.
func (a *AiResponder) buildPrompt(ctx context.Context, log *zerolog.Logger, system string, past []adapter.Message, user adapter.Message) []adapter.Message {
	assemble := func(h []adapter.Message) []adapter.Message {
		out := make([]adapter.Message, 0, len(h)+2)
		out = append(out, adapter.Message{Role: "system", Content: system})
		out = append(out, h...)
		return append(out, user)
	}
	if a.cfg.TokenBudget <= 0 {
		return assemble(past)
	}
	for len(past) > 0 {
		msgs := assemble(past)
		n, err := a.llm.CountTokens(ctx, a.cfg.Model, msgs)
		if err != nil {
			log.Warn().Err(err).Msg("token count failed, keeping history as is")
			return msgs
		}
		if n <= a.cfg.TokenBudget {
			return msgs
		}
		past = past[1:]
	}
	return assemble(nil)
}

func (a *AiResponder) typingDelay(reply string) time.Duration {
	d := time.Duration(len([]rune(reply))) * a.cfg.PerCharDelay
	if d < a.cfg.MinTypingDelay {
		return a.cfg.MinTypingDelay
	}
	if d > a.cfg.MaxTypingDelay {
		return a.cfg.MaxTypingDelay
	}
	return d
}

// CleanNumber strips WhatsApp JID suffixes from a recipient.
func CleanNumber(to string) string {
	to = strings.TrimSuffix(to, "@s.whatsapp.net")
	return strings.TrimSuffix(to, "@g.us")
}
