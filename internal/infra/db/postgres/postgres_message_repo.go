package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

var (
	_ repository.SentMessageRepository = (*sentMessageRepo)(nil)
	_ repository.FailedJobRepository   = (*failedJobRepo)(nil)
)

type sentMessageRepo struct{ pool *pgxpool.Pool }

func NewSentMessageRepo(pool *pgxpool.Pool) *sentMessageRepo {
	return &sentMessageRepo{pool: pool}
}

func (r *sentMessageRepo) Exists(ctx context.Context, tx repository.Tx, key string) (bool, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT EXISTS (SELECT 1 FROM sent_messages WHERE idempotency_key = $1);`, key)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

func (r *sentMessageRepo) Save(ctx context.Context, tx repository.Tx, m *model.SentMessage) error {
	const q = `
INSERT INTO sent_messages (idempotency_key, organization_id, instance_id, to_number, job_id, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (idempotency_key) DO NOTHING;`
	ct, err := execSQL(ctx, r.pool, tx, q, m.IdempotencyKey, m.OrganizationID, m.InstanceID, m.To, m.JobID, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("save sent message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

type failedJobRepo struct{ pool *pgxpool.Pool }

func NewFailedJobRepo(pool *pgxpool.Pool) *failedJobRepo {
	return &failedJobRepo{pool: pool}
}

func (r *failedJobRepo) Save(ctx context.Context, tx repository.Tx, f *model.FailedJob) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	payload := string(f.Payload)
	if payload == "" {
		payload = "null"
	}
	const q = `
INSERT INTO failed_jobs (id, queue, job_id, organization_id, payload, error, attempts, created_at)
VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8);`
	_, err := execSQL(ctx, r.pool, tx, q, f.ID, f.Queue, f.JobID, f.OrganizationID, payload, f.Error, f.Attempts, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("save failed job: %w", mapErr(err))
	}
	return nil
}

func (r *failedJobRepo) List(ctx context.Context, tx repository.Tx, queue model.QueueName, limit int) ([]*model.FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := queryRows(ctx, r.pool, tx, `
SELECT id, queue, job_id, organization_id, payload::text, error, attempts, created_at
  FROM failed_jobs
 WHERE queue = $1
 ORDER BY created_at DESC
 LIMIT $2;`, string(queue), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.FailedJob
	for rows.Next() {
		var f model.FailedJob
		var payload string
		if err := rows.Scan(&f.ID, &f.Queue, &f.JobID, &f.OrganizationID, &payload, &f.Error, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		f.Payload = []byte(payload)
		out = append(out, &f)
	}
	return out, rows.Err()
}
