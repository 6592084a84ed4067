package repository

import (
	"context"

	"whatsapp-ai-platform/internal/domain/model"
)

type InstanceRepository interface {
	Save(ctx context.Context, tx Tx, inst *model.WhatsAppInstance) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.WhatsAppInstance, error)
	FindByName(ctx context.Context, tx Tx, name string) (*model.WhatsAppInstance, error)
	ListByOrganization(ctx context.Context, tx Tx, orgID string) ([]*model.WhatsAppInstance, error)
	IncrementMessages(ctx context.Context, tx Tx, id string, n int) error
	ResetMessagesByOrganization(ctx context.Context, tx Tx, orgID string) error
	// ThrottleByOrganization moves every non-BANNED instance of orgID to THROTTLED.
	ThrottleByOrganization(ctx context.Context, tx Tx, orgID string) (int64, error)
}
