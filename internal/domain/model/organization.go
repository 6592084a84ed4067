package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
)

// Organization is the tenant. Balance and usage counters are hot rows and are
// only mutated with atomic increments inside transactions.
type Organization struct {
	ID                     string
	Name                   string
	PlanID                 *string
	CreditBalance          decimal.Decimal
	MessagesUsedThisMonth  int
	AgentRunsUsedThisMonth int
	BillingCycleStart      time.Time
	ReferredBy             *string
	AdminEmail             string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func NewOrganization(id, name, adminEmail string) (*Organization, error) {
	if name == "" {
		return nil, domain.ErrInvalidArgument
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Organization{
		ID:                id,
		Name:              name,
		CreditBalance:     decimal.Zero,
		BillingCycleStart: now,
		AdminEmail:        adminEmail,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// RenewalDue reports whether a full billing cycle has elapsed at now.
func (o *Organization) RenewalDue(now time.Time) bool {
	return !now.Before(o.BillingCycleStart.AddDate(0, 1, 0))
}

// ReferralCode is owned by the organization that receives commissions.
type ReferralCode struct {
	Code           string
	OrganizationID string
	CreatedAt      time.Time
}
