package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain/model"
)

type ReservationRepository interface {
	Save(ctx context.Context, tx Tx, r *model.CreditReservation) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.CreditReservation, error)
	// Transition moves a PENDING reservation to a terminal status. It reports
	// false without error when the reservation was already settled.
	Transition(ctx context.Context, tx Tx, id string, to model.ReservationStatus, at time.Time) (bool, error)
	LinkJob(ctx context.Context, tx Tx, id, jobID, taskID string) error
	// Extend moves expires_at of a PENDING reservation to until. It reports
	// false when the reservation is no longer PENDING.
	Extend(ctx context.Context, tx Tx, id string, until time.Time) (bool, error)
	ListExpiredPending(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.CreditReservation, error)
}

// TransactionRepository is append-only.
type TransactionRepository interface {
	// Append returns domain.ErrAlreadyExists when Reference is already used.
	Append(ctx context.Context, tx Tx, t *model.CreditTransaction) error
	ListByOrganization(ctx context.Context, tx Tx, orgID string, limit int) ([]*model.CreditTransaction, error)
	SumByOrganization(ctx context.Context, tx Tx, orgID string) (decimal.Decimal, error)
}
