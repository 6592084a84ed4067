package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain/model"
)

// OrganizationRepository mutates balances and counters with atomic increments only.
type OrganizationRepository interface {
	Save(ctx context.Context, tx Tx, org *model.Organization) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Organization, error)
	// FindByIDForUpdate locks the row until tx ends; tx must be non-nil.
	FindByIDForUpdate(ctx context.Context, tx Tx, id string) (*model.Organization, error)
	ListIDs(ctx context.Context, tx Tx) ([]string, error)

	AddBalance(ctx context.Context, tx Tx, id string, delta decimal.Decimal) (decimal.Decimal, error)
	IncrementUsage(ctx context.Context, tx Tx, id string, messages, agentRuns int) error
	ResetCycle(ctx context.Context, tx Tx, id string, cycleStart time.Time) error

	SaveReferralCode(ctx context.Context, tx Tx, code *model.ReferralCode) error
	// FindReferrer returns the organization owning the referral code.
	FindReferrer(ctx context.Context, tx Tx, code string) (*model.Organization, error)
}
