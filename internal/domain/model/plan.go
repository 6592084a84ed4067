package model

import (
	"time"

	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
)

// Unlimited marks a plan allowance without a cap.
const Unlimited = -1

// Plan is immutable reference data read by guards, the rate limiter and billing.
type Plan struct {
	ID                 string
	Name               string
	PriceMonthly       decimal.Decimal
	MessagesIncluded   int
	AgentRunsIncluded  int
	MaxInstances       int
	RateLimitPerMinute int
	CreatedAt          time.Time
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

// NewPlan validates and constructs a plan.
func NewPlan(id, name string, price decimal.Decimal, messages, agentRuns, maxInstances, ratePerMinute int) (*Plan, error) {
	if id == "" || name == "" || price.IsNegative() || maxInstances <= 0 || ratePerMinute <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	if !validAllowance(messages) || !validAllowance(agentRuns) {
		return nil, domain.ErrInvalidArgument
	}
	return &Plan{
		ID:                 id,
		Name:               name,
		PriceMonthly:       price,
		MessagesIncluded:   messages,
		AgentRunsIncluded:  agentRuns,
		MaxInstances:       maxInstances,
		RateLimitPerMinute: ratePerMinute,
		CreatedAt:          time.Now(),
	}, nil
}

func validAllowance(n int) bool { return n == Unlimited || n >= 0 }

// UsagePercent returns used/included as a percentage, or -1 when unlimited.
func UsagePercent(used, included int) int {
	if included == Unlimited {
		return -1
	}
	if included == 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return used * 100 / included
}

// Allows reports whether one more unit fits into the allowance.
func Allows(used, included int) bool {
	return included == Unlimited || used < included
}
