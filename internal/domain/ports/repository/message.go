package repository

import (
	"context"

	"whatsapp-ai-platform/internal/domain/model"
)

type SentMessageRepository interface {
	Exists(ctx context.Context, tx Tx, key string) (bool, error)
	// Save returns domain.ErrAlreadyExists for a duplicate key.
	Save(ctx context.Context, tx Tx, m *model.SentMessage) error
}

type FailedJobRepository interface {
	Save(ctx context.Context, tx Tx, f *model.FailedJob) error
	List(ctx context.Context, tx Tx, queue model.QueueName, limit int) ([]*model.FailedJob, error)
}
