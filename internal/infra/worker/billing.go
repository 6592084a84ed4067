package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/usecase"
)

var (
	level1Commission = decimal.NewFromInt(20)
	level2Commission = decimal.NewFromInt(5)
	hundred          = decimal.NewFromInt(100)
)

// BillingWorker renews subscriptions and audits balances.
type BillingWorker struct {
	orgs      repository.OrganizationRepository
	plans     repository.PlanRepository
	instances repository.InstanceRepository
	ledger    usecase.Ledger
	tm        repository.TransactionManager
	levels    []decimal.Decimal
	log       *zerolog.Logger
	now       func() time.Time
}

func NewBillingWorker(
	orgs repository.OrganizationRepository,
	plans repository.PlanRepository,
	instances repository.InstanceRepository,
	ledger usecase.Ledger,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *BillingWorker {
	l := logger.With().Str("component", "billing").Logger()
	return &BillingWorker{
		orgs: orgs, plans: plans, instances: instances, ledger: ledger, tm: tm,
		levels: []decimal.Decimal{level1Commission, level2Commission},
		log:    &l,
		now:    time.Now,
	}
}

// WithCommissions overrides the level-1 and level-2 referral percentages.
func (b *BillingWorker) WithCommissions(level1, level2 decimal.Decimal) *BillingWorker {
	b.levels = []decimal.Decimal{level1, level2}
	return b
}

func (b *BillingWorker) Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error {
	p, ok := payload.(model.BillingPayload)
	if !ok {
		return Permanent(fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue))
	}
	switch p.Action {
	case model.BillingRenew:
		return b.renew(ctx, p)
	case model.BillingReconcileBalance:
		return b.reconcile(ctx, p.OrganizationID)
	}
	return Permanent(fmt.Errorf("%w: unknown billing action %q", domain.ErrInvalidPayload, p.Action))
}

// renewal is what one committed renewal did, for logging after the tx.
type renewal struct {
	skipped     string
	plan        string
	price       decimal.Decimal
	commissions int
}

func (b *BillingWorker) renew(ctx context.Context, p model.BillingPayload) error {
	log := logging.With(ctx, b.log)
	now := b.now()
	var out renewal

	err := b.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		out = renewal{}
		org, err := b.orgs.FindByIDForUpdate(ctx, tx, p.OrganizationID)
		if err != nil {
			return err
		}
		if !p.Force && !org.RenewalDue(now) {
			out.skipped = "cycle not due"
			return nil
		}
		if org.PlanID == nil {
			out.skipped = "no plan"
			return nil
		}
		plan, err := b.plans.FindByID(ctx, tx, *org.PlanID)
		if err != nil {
			return err
		}
		out.plan, out.price = plan.Name, plan.PriceMonthly

		period := now.UTC().Format("2006-01")
		if plan.PriceMonthly.IsPositive() {
			_, err := b.ledger.Apply(ctx, tx, usecase.Entry{
				OrganizationID: org.ID,
				Amount:         plan.PriceMonthly.Neg(),
				Type:           model.TxSubscription,
				Description:    fmt.Sprintf("Monthly subscription: plan %s (%s/month)", plan.Name, plan.PriceMonthly.StringFixed(2)),
				Reference:      fmt.Sprintf("renew:%s:%s", org.ID, period),
			})
			if err != nil {
				return err
			}
			n, err := b.payCommissions(ctx, tx, org, plan.PriceMonthly, period)
			if err != nil {
				return err
			}
			out.commissions = n
		}

		if err := b.orgs.ResetCycle(ctx, tx, org.ID, now); err != nil {
			return err
		}
		return b.instances.ResetMessagesByOrganization(ctx, tx, org.ID)
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		log.Info().Msg("subscription already renewed for this period")
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	if out.skipped != "" {
		log.Info().Str("reason", out.skipped).Msg("renewal skipped")
		return nil
	}
	log.Info().
		Str("plan", out.plan).
		Str("price", out.price.StringFixed(2)).
		Int("commissions", out.commissions).
		Msg("subscription renewed and counters reset")
	return nil
}

// payCommissions credits up to two referrers up the chain and reports how many were paid.
func (b *BillingWorker) payCommissions(ctx context.Context, tx repository.Tx, payer *model.Organization, price decimal.Decimal, period string) (int, error) {
	levels := b.levels
	code := payer.ReferredBy
	paid := 0
	for i, pct := range levels {
		if code == nil || *code == "" {
			break
		}
		referrer, err := b.orgs.FindReferrer(ctx, tx, *code)
		if errors.Is(err, domain.ErrNotFound) {
			break
		}
		if err != nil {
			return paid, err
		}
		if referrer.ID == payer.ID {
			break
		}
		level := i + 1
		amount := price.Mul(pct).Div(hundred).Round(2)
		_, err = b.ledger.Apply(ctx, tx, usecase.Entry{
			OrganizationID: referrer.ID,
			Amount:         amount,
			Type:           model.TxCommission,
			Description:    fmt.Sprintf("Level %d referral commission (%s%%) from %s", level, pct.String(), payer.ID),
			Reference:      fmt.Sprintf("commission:%s:%s:l%d", payer.ID, period, level),
		})
		if err != nil {
			return paid, err
		}
		paid++
		code = referrer.ReferredBy
	}
	return paid, nil
}

func (b *BillingWorker) reconcile(ctx context.Context, orgID string) error {
	log := logging.With(ctx, b.log)
	audit, err := b.ledger.AuditBalance(ctx, orgID)
	if errors.Is(err, domain.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("audit balance: %w", err)
	}
	if drift := audit.Drift(); !drift.IsZero() {
		log.Error().
			Str("balance", audit.Balance.String()).
			Str("ledger_sum", audit.LedgerSum.String()).
			Str("drift", drift.String()).
			Msg("balance drifted from ledger")
		return nil
	}
	log.Info().Str("balance", audit.Balance.String()).Msg("balance matches ledger")
	return nil
}
