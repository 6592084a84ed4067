// File: internal/usecase/ledger_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/metrics"
)

// Compile-time check
var _ Ledger = (*LedgerUseCase)(nil)

// Ledger is the credit ledger. Every balance movement is written together
// with exactly one CreditTransaction inside a single database transaction.
type Ledger interface {
	Charge(ctx context.Context, orgID string, amount decimal.Decimal, description string) (*model.CreditTransaction, error)
	Credit(ctx context.Context, orgID string, amount decimal.Decimal, typ model.TransactionType, description string) (*model.CreditTransaction, error)
	Debit(ctx context.Context, orgID string, amount decimal.Decimal, typ model.TransactionType, description string) (*model.CreditTransaction, error)
	// Apply writes a signed entry within an existing transaction.
	Apply(ctx context.Context, tx repository.Tx, e Entry) (*model.CreditTransaction, error)

	Reserve(ctx context.Context, orgID string, amount decimal.Decimal, ttl time.Duration) (string, error)
	Settle(ctx context.Context, reservationID string, outcome model.ReservationStatus, amount decimal.Decimal) error
	SettleTx(ctx context.Context, tx repository.Tx, reservationID string, outcome model.ReservationStatus, amount decimal.Decimal) error
	ExtendReservation(ctx context.Context, tx repository.Tx, reservationID string, until time.Time) error
	ReconcileExpired(ctx context.Context, now time.Time, limit int) (int, error)
	AuditBalance(ctx context.Context, orgID string) (model.BalanceAudit, error)
}

// Entry is one signed ledger movement.
type Entry struct {
	OrganizationID string
	Amount         decimal.Decimal
	Type           model.TransactionType
	Description    string
	Reference      string
}

type LedgerUseCase struct {
	orgs         repository.OrganizationRepository
	reservations repository.ReservationRepository
	txns         repository.TransactionRepository
	tasks        repository.AgentTaskRepository
	tm           repository.TransactionManager
	log          *zerolog.Logger
	now          func() time.Time
}

func NewLedgerUseCase(
	orgs repository.OrganizationRepository,
	reservations repository.ReservationRepository,
	txns repository.TransactionRepository,
	tasks repository.AgentTaskRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *LedgerUseCase {
	l := logger.With().Str("component", "ledger").Logger()
	return &LedgerUseCase{
		orgs:         orgs,
		reservations: reservations,
		txns:         txns,
		tasks:        tasks,
		tm:           tm,
		log:          &l,
		now:          time.Now,
	}
}

func (uc *LedgerUseCase) Charge(ctx context.Context, orgID string, amount decimal.Decimal, description string) (*model.CreditTransaction, error) {
	return uc.Debit(ctx, orgID, amount, model.TxCharge, description)
}

// Credit increments the balance by a positive amount.
func (uc *LedgerUseCase) Credit(ctx context.Context, orgID string, amount decimal.Decimal, typ model.TransactionType, description string) (*model.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount must be positive", domain.ErrInvalidArgument)
	}
	return uc.applyInTx(ctx, Entry{OrganizationID: orgID, Amount: amount, Type: typ, Description: description})
}

// Debit decrements the balance by a positive amount. The balance may go
// negative; usage is gated by the plan guard, not by the balance.
func (uc *LedgerUseCase) Debit(ctx context.Context, orgID string, amount decimal.Decimal, typ model.TransactionType, description string) (*model.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit amount must be positive", domain.ErrInvalidArgument)
	}
	return uc.applyInTx(ctx, Entry{OrganizationID: orgID, Amount: amount.Neg(), Type: typ, Description: description})
}

func (uc *LedgerUseCase) applyInTx(ctx context.Context, e Entry) (*model.CreditTransaction, error) {
	var out *model.CreditTransaction
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		t, err := uc.Apply(ctx, tx, e)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (uc *LedgerUseCase) Apply(ctx context.Context, tx repository.Tx, e Entry) (*model.CreditTransaction, error) {
	if e.OrganizationID == "" || e.Amount.IsZero() || !e.Type.Valid() {
		return nil, domain.ErrInvalidArgument
	}
	t := &model.CreditTransaction{
		ID:             uuid.NewString(),
		OrganizationID: e.OrganizationID,
		Amount:         e.Amount,
		Type:           e.Type,
		Description:    e.Description,
		CreatedAt:      uc.now(),
	}
	if e.Reference != "" {
		ref := e.Reference
		t.Reference = &ref
	}
	// Append first: a duplicate reference must abort before the balance moves.
	if err := uc.txns.Append(ctx, tx, t); err != nil {
		return nil, err
	}
	if _, err := uc.orgs.AddBalance(ctx, tx, e.OrganizationID, e.Amount); err != nil {
		return nil, err
	}
	metrics.IncLedgerEntry(string(e.Type))
	return t, nil
}

// Reserve creates a PENDING hold that expires after ttl. It does not move the balance.
func (uc *LedgerUseCase) Reserve(ctx context.Context, orgID string, amount decimal.Decimal, ttl time.Duration) (string, error) {
	if orgID == "" || amount.IsNegative() || ttl <= 0 {
		return "", domain.ErrInvalidArgument
	}
	now := uc.now()
	r := &model.CreditReservation{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Amount:         amount,
		Status:         model.ReservationPending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if err := uc.reservations.Save(ctx, nil, r); err != nil {
		return "", err
	}
	metrics.IncReservation("created")
	return r.ID, nil
}

// Settle moves a PENDING reservation to outcome. CONFIRMED charges amount in
// the same transaction; FAILED moves no money. A settled reservation yields
// domain.ErrReservationSettled and nothing is written.
func (uc *LedgerUseCase) Settle(ctx context.Context, reservationID string, outcome model.ReservationStatus, amount decimal.Decimal) error {
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return uc.SettleTx(ctx, tx, reservationID, outcome, amount)
	})
}

func (uc *LedgerUseCase) SettleTx(ctx context.Context, tx repository.Tx, reservationID string, outcome model.ReservationStatus, amount decimal.Decimal) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: settle outcome %q", domain.ErrInvalidArgument, outcome)
	}
	r, err := uc.reservations.FindByID(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return domain.ErrReservationSettled
	}
	moved, err := uc.reservations.Transition(ctx, tx, reservationID, outcome, uc.now())
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrReservationSettled
	}
	metrics.IncReservation(string(outcome))
	if outcome != model.ReservationConfirmed || !amount.IsPositive() {
		return nil
	}
	_, err = uc.Apply(ctx, tx, Entry{
		OrganizationID: r.OrganizationID,
		Amount:         amount.Neg(),
		Type:           model.TxCharge,
		Description:    "agent run",
		Reference:      "settle:" + reservationID,
	})
	return err
}

// ExtendReservation pushes the expiry of a PENDING reservation to until. A
// reservation that already settled yields domain.ErrReservationSettled.
func (uc *LedgerUseCase) ExtendReservation(ctx context.Context, tx repository.Tx, reservationID string, until time.Time) error {
	moved, err := uc.reservations.Extend(ctx, tx, reservationID, until)
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrReservationSettled
	}
	return nil
}

// ReconcileExpired fails PENDING reservations past their expiry and moves the
// linked task, if still open, to ERROR. It returns the number reconciled.
func (uc *LedgerUseCase) ReconcileExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired, err := uc.reservations.ListExpiredPending(ctx, nil, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range expired {
		moved := false
		err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			var err error
			moved, err = uc.reservations.Transition(ctx, tx, r.ID, model.ReservationFailed, now)
			if err != nil || !moved {
				return err
			}
			if r.TaskID == nil {
				return nil
			}
			task, err := uc.tasks.FindByID(ctx, tx, *r.TaskID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil
				}
				return err
			}
			if task.Status.Terminal() {
				return nil
			}
			task.Status = model.AgentTaskError
			task.Output = domain.ErrReservationExpired.Error()
			task.CompletedAt = &now
			if err := uc.tasks.Finish(ctx, tx, task); err != nil && !errors.Is(err, domain.ErrTaskTerminal) {
				return err
			}
			return nil
		})
		if err != nil {
			uc.log.Error().Err(err).Str("reservation_id", r.ID).Msg("failed to reconcile expired reservation")
			continue
		}
		if moved {
			n++
			metrics.IncReservation("expired")
		}
	}
	if n > 0 {
		uc.log.Warn().Int("count", n).Msg("expired reservations marked FAILED")
	}
	return n, nil
}

// AuditBalance compares the stored balance with the sum of the ledger.
func (uc *LedgerUseCase) AuditBalance(ctx context.Context, orgID string) (model.BalanceAudit, error) {
	var audit model.BalanceAudit
	err := uc.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(ctx context.Context, tx repository.Tx) error {
		org, err := uc.orgs.FindByID(ctx, tx, orgID)
		if err != nil {
			return err
		}
		sum, err := uc.txns.SumByOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		audit = model.BalanceAudit{OrganizationID: orgID, Balance: org.CreditBalance, LedgerSum: sum}
		return nil
	})
	if err != nil {
		return model.BalanceAudit{}, err
	}
	if !audit.Drift().IsZero() {
		metrics.IncBalanceDrift()
	}
	return audit, nil
}
