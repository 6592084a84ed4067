package usecase

import (
	"context"
	"errors"
	"fmt"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

type Resource string

const (
	ResourceMessages  Resource = "messages"
	ResourceAgentRuns Resource = "agent_runs"
)

// PlanGuard rejects work the organization's plan does not cover.
type PlanGuard struct {
	orgs  repository.OrganizationRepository
	plans repository.PlanRepository
}

func NewPlanGuard(orgs repository.OrganizationRepository, plans repository.PlanRepository) *PlanGuard {
	return &PlanGuard{orgs: orgs, plans: plans}
}

// Check returns domain.ErrNoPlan when the organization has no plan and
// domain.ErrLimitReached when one more unit of res exceeds the allowance.
func (g *PlanGuard) Check(ctx context.Context, orgID string, res Resource) (*model.Organization, *model.Plan, error) {
	org, err := g.orgs.FindByID(ctx, nil, orgID)
	if err != nil {
		return nil, nil, err
	}
	if org.PlanID == nil || *org.PlanID == "" {
		return org, nil, domain.ErrNoPlan
	}
	plan, err := g.plans.FindByID(ctx, nil, *org.PlanID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return org, nil, domain.ErrNoPlan
		}
		return org, nil, err
	}

	var used, included int
	switch res {
	case ResourceMessages:
		used, included = org.MessagesUsedThisMonth, plan.MessagesIncluded
	case ResourceAgentRuns:
		used, included = org.AgentRunsUsedThisMonth, plan.AgentRunsIncluded
	default:
		return org, plan, fmt.Errorf("%w: resource %q", domain.ErrInvalidArgument, res)
	}
	if !model.Allows(used, included) {
		return org, plan, fmt.Errorf("%w: %s %d/%d", domain.ErrLimitReached, res, used, included)
	}
	return org, plan, nil
}
