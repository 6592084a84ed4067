package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/logging"
)

type alertLevel struct {
	percent int
	name    string
}

var alertLevels = []alertLevel{
	{70, "WARNING"},
	{85, "CRITICAL"},
	{95, "EMERGENCY"},
}

// OnceMarker records a marker only if it is absent. red.RedisClient satisfies it.
type OnceMarker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// ComplianceWorker alerts on plan usage and throttles tenants that used up their messages.
type ComplianceWorker struct {
	orgs      repository.OrganizationRepository
	plans     repository.PlanRepository
	instances repository.InstanceRepository
	notifier  adapter.Notifier
	once      OnceMarker
	log       *zerolog.Logger
}

func NewComplianceWorker(
	orgs repository.OrganizationRepository,
	plans repository.PlanRepository,
	instances repository.InstanceRepository,
	notifier adapter.Notifier,
	once OnceMarker,
	logger *zerolog.Logger,
) *ComplianceWorker {
	l := logger.With().Str("component", "compliance").Logger()
	return &ComplianceWorker{orgs: orgs, plans: plans, instances: instances, notifier: notifier, once: once, log: &l}
}

func (c *ComplianceWorker) Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error {
	p, ok := payload.(model.CompliancePayload)
	if !ok {
		return Permanent(fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue))
	}
	log := logging.With(ctx, c.log)

	org, err := c.orgs.FindByID(ctx, nil, p.OrganizationID)
	if err != nil {
		return err
	}
	if org.PlanID == nil {
		log.Warn().Msg("organization has no plan, skipping compliance check")
		return nil
	}
	plan, err := c.plans.FindByID(ctx, nil, *org.PlanID)
	if err != nil {
		return err
	}

	msgPct := model.UsagePercent(org.MessagesUsedThisMonth, plan.MessagesIncluded)
	runPct := model.UsagePercent(org.AgentRunsUsedThisMonth, plan.AgentRunsIncluded)
	log.Info().Int("messages_pct", msgPct).Int("agent_runs_pct", runPct).Msg("checking plan usage")

	c.alert(ctx, log, org, "messages", msgPct)
	c.alert(ctx, log, org, "agent_runs", runPct)

	if msgPct >= 100 {
		n, err := c.instances.ThrottleByOrganization(ctx, nil, org.ID)
		if err != nil {
			return fmt.Errorf("throttle instances: %w", err)
		}
		log.Error().Int64("instances", n).Msg("message allowance used up, instances throttled")
	}
	return nil
}

// alert notifies every crossed threshold once per billing cycle.
func (c *ComplianceWorker) alert(ctx context.Context, log *zerolog.Logger, org *model.Organization, resource string, pct int) {
	if pct < 0 {
		return
	}
	for _, lvl := range alertLevels {
		if pct < lvl.percent {
			return
		}
		key := fmt.Sprintf("alert:%s:%s:%d:%d", org.ID, resource, lvl.percent, org.BillingCycleStart.Unix())
		first, err := c.once.SetNX(ctx, key, lvl.name, 35*24*time.Hour)
		if err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("alert dedupe unavailable, skipping alert")
			continue
		}
		if !first {
			continue
		}
		log.Warn().Str("level", lvl.name).Str("resource", resource).Int("usage_pct", pct).Msg("plan usage alert")
		if org.AdminEmail == "" {
			continue
		}
		bestEffort(log, "usage_alert", func() error {
			return c.notifier.SendUsageAlert(ctx, org.AdminEmail, lvl.percent, resource)
		})
	}
}
