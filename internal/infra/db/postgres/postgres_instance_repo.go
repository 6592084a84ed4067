package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

var _ repository.InstanceRepository = (*instanceRepo)(nil)

type instanceRepo struct{ pool *pgxpool.Pool }

func NewInstanceRepo(pool *pgxpool.Pool) *instanceRepo {
	return &instanceRepo{pool: pool}
}

const instanceColumns = `id, organization_id, instance_name, health, connection_status, messages_last_24h, created_at, updated_at`

func scanInstance(row pgx.Row) (*model.WhatsAppInstance, error) {
	var i model.WhatsAppInstance
	if err := row.Scan(&i.ID, &i.OrganizationID, &i.InstanceName, &i.Health, &i.ConnectionStatus,
		&i.MessagesLast24h, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &i, nil
}

func (r *instanceRepo) Save(ctx context.Context, tx repository.Tx, i *model.WhatsAppInstance) error {
	const q = `
INSERT INTO whatsapp_instances (` + instanceColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  instance_name=EXCLUDED.instance_name, health=EXCLUDED.health,
  connection_status=EXCLUDED.connection_status, updated_at=now();`
	_, err := execSQL(ctx, r.pool, tx, q, i.ID, i.OrganizationID, i.InstanceName, i.Health, i.ConnectionStatus,
		i.MessagesLast24h, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save instance: %w", mapErr(err))
	}
	return nil
}

func (r *instanceRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.WhatsAppInstance, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+instanceColumns+` FROM whatsapp_instances WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanInstance(row)
}

func (r *instanceRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.WhatsAppInstance, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+instanceColumns+` FROM whatsapp_instances WHERE instance_name=$1;`, name)
	if err != nil {
		return nil, err
	}
	return scanInstance(row)
}

func (r *instanceRepo) ListByOrganization(ctx context.Context, tx repository.Tx, orgID string) ([]*model.WhatsAppInstance, error) {
	rows, err := queryRows(ctx, r.pool, tx,
		`SELECT `+instanceColumns+` FROM whatsapp_instances WHERE organization_id=$1 ORDER BY created_at;`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []*model.WhatsAppInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r *instanceRepo) IncrementMessages(ctx context.Context, tx repository.Tx, id string, n int) error {
	ct, err := execSQL(ctx, r.pool, tx,
		`UPDATE whatsapp_instances SET messages_last_24h = messages_last_24h + $2, updated_at = now() WHERE id = $1;`, id, n)
	if err != nil {
		return fmt.Errorf("increment instance messages: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *instanceRepo) ResetMessagesByOrganization(ctx context.Context, tx repository.Tx, orgID string) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE whatsapp_instances SET messages_last_24h = 0, updated_at = now() WHERE organization_id = $1;`, orgID)
	if err != nil {
		return fmt.Errorf("reset instance messages: %w", err)
	}
	return nil
}

func (r *instanceRepo) ThrottleByOrganization(ctx context.Context, tx repository.Tx, orgID string) (int64, error) {
	const q = `
UPDATE whatsapp_instances SET health = 'THROTTLED', updated_at = now()
 WHERE organization_id = $1 AND health NOT IN ('BANNED', 'THROTTLED');`
	ct, err := execSQL(ctx, r.pool, tx, q, orgID)
	if err != nil {
		return 0, fmt.Errorf("throttle instances: %w", err)
	}
	return ct.RowsAffected(), nil
}
