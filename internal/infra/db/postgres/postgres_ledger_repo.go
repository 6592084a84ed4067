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

var (
	_ repository.ReservationRepository = (*reservationRepo)(nil)
	_ repository.TransactionRepository = (*transactionRepo)(nil)
)

type reservationRepo struct{ pool *pgxpool.Pool }

func NewReservationRepo(pool *pgxpool.Pool) *reservationRepo {
	return &reservationRepo{pool: pool}
}

const reservationColumns = `id, organization_id, amount, status, expires_at, job_id, task_id, created_at, settled_at`

func scanReservation(row pgx.Row) (*model.CreditReservation, error) {
	var r model.CreditReservation
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.Amount, &r.Status, &r.ExpiresAt, &r.JobID, &r.TaskID,
		&r.CreatedAt, &r.SettledAt); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (r *reservationRepo) Save(ctx context.Context, tx repository.Tx, res *model.CreditReservation) error {
	_, err := execSQL(ctx, r.pool, tx,
		`INSERT INTO credit_reservations (`+reservationColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`,
		res.ID, res.OrganizationID, res.Amount, res.Status, res.ExpiresAt, res.JobID, res.TaskID, res.CreatedAt, res.SettledAt)
	if err != nil {
		return fmt.Errorf("save reservation: %w", mapErr(err))
	}
	return nil
}

func (r *reservationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.CreditReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM credit_reservations WHERE id=$1`
	if isLocked(tx) {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q+";", id)
	if err != nil {
		return nil, err
	}
	return scanReservation(row)
}

func (r *reservationRepo) Transition(ctx context.Context, tx repository.Tx, id string, to model.ReservationStatus, at time.Time) (bool, error) {
	if !to.Terminal() {
		return false, domain.ErrInvalidArgument
	}
	const q = `
UPDATE credit_reservations SET status = $2, settled_at = $3
 WHERE id = $1 AND status = 'PENDING';`
	ct, err := execSQL(ctx, r.pool, tx, q, id, to, at)
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *reservationRepo) LinkJob(ctx context.Context, tx repository.Tx, id, jobID, taskID string) error {
	ct, err := execSQL(ctx, r.pool, tx,
		`UPDATE credit_reservations SET job_id = $2, task_id = $3 WHERE id = $1;`, id, jobID, taskID)
	if err != nil {
		return fmt.Errorf("link job: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *reservationRepo) Extend(ctx context.Context, tx repository.Tx, id string, until time.Time) (bool, error) {
	ct, err := execSQL(ctx, r.pool, tx,
		`UPDATE credit_reservations SET expires_at = $2 WHERE id = $1 AND status = 'PENDING';`, id, until)
	if err != nil {
		return false, fmt.Errorf("extend reservation: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *reservationRepo) ListExpiredPending(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.CreditReservation, error) {
	rows, err := queryRows(ctx, r.pool, tx, `
SELECT `+reservationColumns+` FROM credit_reservations
 WHERE status = 'PENDING' AND expires_at < $1
 ORDER BY expires_at
 LIMIT $2;`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()
	var out []*model.CreditReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type transactionRepo struct{ pool *pgxpool.Pool }

func NewTransactionRepo(pool *pgxpool.Pool) *transactionRepo {
	return &transactionRepo{pool: pool}
}

// Append skips a duplicate reference with ON CONFLICT so the surrounding
// transaction stays usable, and reports it as domain.ErrAlreadyExists.
func (r *transactionRepo) Append(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error {
	const q = `
INSERT INTO credit_transactions (id, organization_id, amount, type, description, reference, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (reference) DO NOTHING;`
	ct, err := execSQL(ctx, r.pool, tx, q, t.ID, t.OrganizationID, t.Amount, t.Type, t.Description, t.Reference, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction: %w", mapErr(err))
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *transactionRepo) ListByOrganization(ctx context.Context, tx repository.Tx, orgID string, limit int) ([]*model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := queryRows(ctx, r.pool, tx, `
SELECT id, organization_id, amount, type, description, reference, created_at
  FROM credit_transactions
 WHERE organization_id = $1
 ORDER BY created_at DESC
 LIMIT $2;`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []*model.CreditTransaction
	for rows.Next() {
		var t model.CreditTransaction
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Amount, &t.Type, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *transactionRepo) SumByOrganization(ctx context.Context, tx repository.Tx, orgID string) (decimal.Decimal, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE organization_id = $1;`, orgID)
	if err != nil {
		return decimal.Zero, err
	}
	var sum decimal.Decimal
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, mapErr(err)
	}
	return sum, nil
}
