package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

var _ repository.AgentTaskRepository = (*agentTaskRepo)(nil)

type agentTaskRepo struct{ pool *pgxpool.Pool }

func NewAgentTaskRepo(pool *pgxpool.Pool) *agentTaskRepo {
	return &agentTaskRepo{pool: pool}
}

const taskColumns = `id, organization_id, model, prompt, status, max_steps, timeout_ms, steps_used, duration_ms,
  output, reservation_id, created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*model.AgentTask, error) {
	var t model.AgentTask
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Model, &t.Prompt, &t.Status, &t.MaxSteps, &t.TimeoutMs,
		&t.StepsUsed, &t.DurationMs, &t.Output, &t.ReservationID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (r *agentTaskRepo) Save(ctx context.Context, tx repository.Tx, t *model.AgentTask) error {
	const q = `
INSERT INTO agent_tasks (` + taskColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`
	_, err := execSQL(ctx, r.pool, tx, q, t.ID, t.OrganizationID, t.Model, t.Prompt, t.Status, t.MaxSteps, t.TimeoutMs,
		t.StepsUsed, t.DurationMs, t.Output, t.ReservationID, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("save agent task: %w", mapErr(err))
	}
	return nil
}

func (r *agentTaskRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.AgentTask, error) {
	q := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE id=$1`
	if isLocked(tx) {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q+";", id)
	if err != nil {
		return nil, err
	}
	return scanTask(row)
}

// MarkRunning is allowed from PENDING and from RUNNING, so a redelivered run
// after a crash can start over.
func (r *agentTaskRepo) MarkRunning(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	const q = `
UPDATE agent_tasks SET status = 'RUNNING', started_at = $2
 WHERE id = $1 AND status IN ('PENDING', 'RUNNING');`
	ct, err := execSQL(ctx, r.pool, tx, q, id, at)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.terminalOrMissing(ctx, tx, id)
	}
	return nil
}

// Finish writes the terminal state once.
func (r *agentTaskRepo) Finish(ctx context.Context, tx repository.Tx, t *model.AgentTask) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: finish with status %s", domain.ErrInvalidArgument, t.Status)
	}
	const q = `
UPDATE agent_tasks
   SET status = $2, steps_used = $3, duration_ms = $4, output = $5, completed_at = $6
 WHERE id = $1 AND status IN ('PENDING', 'RUNNING');`
	ct, err := execSQL(ctx, r.pool, tx, q, t.ID, t.Status, t.StepsUsed, t.DurationMs, t.Output, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.terminalOrMissing(ctx, tx, t.ID)
	}
	return nil
}

func (r *agentTaskRepo) LinkReservation(ctx context.Context, tx repository.Tx, taskID, reservationID string) error {
	ct, err := execSQL(ctx, r.pool, tx, `UPDATE agent_tasks SET reservation_id = $2 WHERE id = $1;`, taskID, reservationID)
	if err != nil {
		return fmt.Errorf("link reservation: %w", mapErr(err))
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *agentTaskRepo) terminalOrMissing(ctx context.Context, tx repository.Tx, id string) error {
	row, err := pickRow(ctx, r.pool, tx, `SELECT status FROM agent_tasks WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	var status model.AgentTaskStatus
	if err := row.Scan(&status); err != nil {
		return mapErr(err)
	}
	return domain.ErrTaskTerminal
}
