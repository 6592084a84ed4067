package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

var _ repository.OrganizationRepository = (*organizationRepo)(nil)

type organizationRepo struct{ pool *pgxpool.Pool }

func NewOrganizationRepo(pool *pgxpool.Pool) *organizationRepo {
	return &organizationRepo{pool: pool}
}

const orgColumns = `id, name, plan_id, credit_balance, messages_used_this_month, agent_runs_used_this_month,
  billing_cycle_start, referred_by, admin_email, created_at, updated_at`

func scanOrganization(row pgx.Row) (*model.Organization, error) {
	var o model.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.PlanID, &o.CreditBalance, &o.MessagesUsedThisMonth, &o.AgentRunsUsedThisMonth,
		&o.BillingCycleStart, &o.ReferredBy, &o.AdminEmail, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

// Save upserts the descriptive columns. Balance and counters are left to the
// atomic mutators once the row exists.
func (r *organizationRepo) Save(ctx context.Context, tx repository.Tx, o *model.Organization) error {
	const q = `
INSERT INTO organizations (` + orgColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, plan_id=EXCLUDED.plan_id, referred_by=EXCLUDED.referred_by,
  admin_email=EXCLUDED.admin_email, updated_at=now();`
	_, err := execSQL(ctx, r.pool, tx, q, o.ID, o.Name, o.PlanID, o.CreditBalance, o.MessagesUsedThisMonth,
		o.AgentRunsUsedThisMonth, o.BillingCycleStart, o.ReferredBy, o.AdminEmail, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save organization: %w", mapErr(err))
	}
	return nil
}

func (r *organizationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Organization, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+orgColumns+` FROM organizations WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanOrganization(row)
}

func (r *organizationRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Organization, error) {
	if !isLocked(tx) {
		return nil, domain.ErrInvalidExecContext
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+orgColumns+` FROM organizations WHERE id=$1 FOR UPDATE;`, id)
	if err != nil {
		return nil, err
	}
	return scanOrganization(row)
}

func (r *organizationRepo) ListIDs(ctx context.Context, tx repository.Tx) ([]string, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT id FROM organizations ORDER BY created_at;`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddBalance applies delta atomically and returns the new balance.
func (r *organizationRepo) AddBalance(ctx context.Context, tx repository.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	const q = `
UPDATE organizations SET credit_balance = credit_balance + $2, updated_at = now()
 WHERE id = $1
RETURNING credit_balance;`
	row, err := pickRow(ctx, r.pool, tx, q, id, delta)
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	if err := row.Scan(&balance); err != nil {
		return decimal.Zero, mapErr(err)
	}
	return balance, nil
}

func (r *organizationRepo) IncrementUsage(ctx context.Context, tx repository.Tx, id string, messages, agentRuns int) error {
	const q = `
UPDATE organizations
   SET messages_used_this_month = messages_used_this_month + $2,
       agent_runs_used_this_month = agent_runs_used_this_month + $3,
       updated_at = now()
 WHERE id = $1;`
	ct, err := execSQL(ctx, r.pool, tx, q, id, messages, agentRuns)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *organizationRepo) ResetCycle(ctx context.Context, tx repository.Tx, id string, cycleStart time.Time) error {
	const q = `
UPDATE organizations
   SET messages_used_this_month = 0, agent_runs_used_this_month = 0,
       billing_cycle_start = $2, updated_at = now()
 WHERE id = $1;`
	ct, err := execSQL(ctx, r.pool, tx, q, id, cycleStart)
	if err != nil {
		return fmt.Errorf("reset cycle: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *organizationRepo) SaveReferralCode(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := execSQL(ctx, r.pool, tx,
		`INSERT INTO referral_codes (code, organization_id, created_at) VALUES ($1,$2,$3);`,
		c.Code, c.OrganizationID, createdAt)
	return mapErr(err)
}

func (r *organizationRepo) FindReferrer(ctx context.Context, tx repository.Tx, code string) (*model.Organization, error) {
	const q = `
SELECT o.id, o.name, o.plan_id, o.credit_balance, o.messages_used_this_month, o.agent_runs_used_this_month,
       o.billing_cycle_start, o.referred_by, o.admin_email, o.created_at, o.updated_at
  FROM referral_codes c JOIN organizations o ON o.id = c.organization_id
 WHERE c.code = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, code)
	if err != nil {
		return nil, err
	}
	return scanOrganization(row)
}
