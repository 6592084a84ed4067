package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/infra/metrics"
	red "whatsapp-ai-platform/internal/infra/redis"
)

type SmartSendConfig struct {
	JitterMin        time.Duration
	JitterMax        time.Duration
	ThrottledDelay   time.Duration
	WarmupMinDelay   time.Duration
	RateLimitedDelay time.Duration
	Dev              bool
}

func DefaultSmartSendConfig() SmartSendConfig {
	return SmartSendConfig{
		JitterMin:        2 * time.Second,
		JitterMax:        7 * time.Second,
		ThrottledDelay:   10 * time.Second,
		WarmupMinDelay:   60 * time.Second,
		RateLimitedDelay: 5 * time.Second,
	}
}

// SmartSendWorker delivers one outbound message with human-like pacing.
type SmartSendWorker struct {
	instances repository.InstanceRepository
	orgs      repository.OrganizationRepository
	plans     repository.PlanRepository
	sent      repository.SentMessageRepository
	gateway   adapter.MessagingGateway
	limiter   Limiter
	tm        repository.TransactionManager
	cfg       SmartSendConfig
	log       *zerolog.Logger

	sleep Sleeper
	mu    sync.Mutex
	rnd   func(int64) int64
}

func NewSmartSendWorker(
	instances repository.InstanceRepository,
	orgs repository.OrganizationRepository,
	plans repository.PlanRepository,
	sent repository.SentMessageRepository,
	gateway adapter.MessagingGateway,
	limiter Limiter,
	tm repository.TransactionManager,
	cfg SmartSendConfig,
	logger *zerolog.Logger,
) *SmartSendWorker {
	l := logger.With().Str("component", "smart_send").Logger()
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &SmartSendWorker{
		instances: instances,
		orgs:      orgs,
		plans:     plans,
		sent:      sent,
		gateway:   gateway,
		limiter:   limiter,
		tm:        tm,
		cfg:       cfg,
		log:       &l,
		sleep:     SleepContext,
		rnd:       src.Int63n,
	}
}

// WithPacing replaces the sleeper and random source.
func (w *SmartSendWorker) WithPacing(sleep Sleeper, randN func(int64) int64) *SmartSendWorker {
	w.sleep, w.rnd = sleep, randN
	return w
}

func (w *SmartSendWorker) Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error {
	p, ok := payload.(model.SendMessagePayload)
	if !ok {
		return Permanent(fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue))
	}
	log := logging.With(ctx, w.log)
	key := p.IdempotencyKey
	if key == "" {
		key = job.ID
	}

	if done, err := w.sent.Exists(ctx, nil, key); err != nil {
		return err
	} else if done {
		log.Info().Str("idempotency_key", key).Msg("message already sent, skipping")
		return nil
	}

	inst, err := w.instances.FindByID(ctx, nil, p.InstanceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Permanent(fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, p.InstanceID))
		}
		return err
	}
	if inst.OrganizationID != p.OrganizationID {
		return Permanent(fmt.Errorf("%w: %s does not belong to %s", domain.ErrInstanceNotFound, p.InstanceID, p.OrganizationID))
	}
	if !inst.Sendable() {
		log.Error().Str("instance_id", inst.ID).Msg("instance is BANNED, refusing to send")
		return Permanent(fmt.Errorf("%w: %s", domain.ErrInstanceBanned, inst.ID))
	}

	if err := w.checkTenantCap(ctx, p.OrganizationID); err != nil {
		return err
	}

	if inst.Health == model.InstanceThrottled {
		if err := w.sleep(ctx, w.cfg.ThrottledDelay); err != nil {
			return err
		}
	}
	delay := w.pacing(inst.Health)
	bestEffort(log, "presence_composing", func() error {
		return w.gateway.SetPresence(ctx, inst.InstanceName, p.To, adapter.PresenceComposing)
	})
	if err := w.sleep(ctx, delay); err != nil {
		return err
	}

	if err := w.gateway.SendText(ctx, inst.InstanceName, p.To, p.Text); err != nil {
		return fmt.Errorf("send text via %s: %w", inst.InstanceName, err)
	}
	metrics.IncMessageSent("smart_send", string(inst.Health))
	log.Info().
		Str("instance", inst.InstanceName).
		Str("to", logging.Redact(p.To, w.cfg.Dev)).
		Dur("delay", delay).
		Msg("message sent")

	bestEffort(log, "presence_paused", func() error {
		return w.gateway.SetPresence(ctx, inst.InstanceName, p.To, adapter.PresencePaused)
	})

	// The message is out: bookkeeping errors are logged, never retried into a resend.
	if err := w.record(context.WithoutCancel(ctx), job, key, inst, p); err != nil {
		metrics.IncSideEffectFailure("usage_bookkeeping")
		log.Error().Err(err).Str("idempotency_key", key).Msg("failed to record sent message")
	}
	return nil
}

// pacing returns the typing delay between composing and send. A WARMUP
// instance waits WarmupMinDelay on top of the jitter. The THROTTLED delay is
// taken before composing and is not part of it.
func (w *SmartSendWorker) pacing(health model.InstanceHealth) time.Duration {
	w.mu.Lock()
	d := jitter(w.rnd, w.cfg.JitterMin, w.cfg.JitterMax)
	w.mu.Unlock()
	if health == model.InstanceWarmup {
		d += w.cfg.WarmupMinDelay
	}
	return d
}

func (w *SmartSendWorker) checkTenantCap(ctx context.Context, orgID string) error {
	if w.limiter == nil {
		return nil
	}
	org, err := w.orgs.FindByID(ctx, nil, orgID)
	if err != nil {
		return err
	}
	if org.PlanID == nil {
		return nil
	}
	plan, err := w.plans.FindByID(ctx, nil, *org.PlanID)
	if err != nil {
		return err
	}
	ok, err := w.limiter.Allow(ctx, red.TenantKey(orgID), plan.RateLimitPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("tenant rate limiter: %w", err)
	}
	if !ok {
		metrics.IncRateLimited("tenant")
		return RateLimited(w.cfg.RateLimitedDelay)
	}
	return nil
}

func (w *SmartSendWorker) record(ctx context.Context, job *model.Job, key string, inst *model.WhatsAppInstance, p model.SendMessagePayload) error {
	return w.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		err := w.sent.Save(ctx, tx, &model.SentMessage{
			IdempotencyKey: key,
			OrganizationID: p.OrganizationID,
			InstanceID:     inst.ID,
			To:             p.To,
			JobID:          job.ID,
			Status:         "sent",
			CreatedAt:      time.Now(),
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.orgs.IncrementUsage(ctx, tx, p.OrganizationID, 1, 0); err != nil {
			return err
		}
		return w.instances.IncrementMessages(ctx, tx, inst.ID, 1)
	})
}
