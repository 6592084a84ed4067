package repository

import (
	"context"
	"time"

	"whatsapp-ai-platform/internal/domain/model"
)

// AgentTaskRepository enforces the task state machine with conditional updates:
// MarkRunning and Finish return domain.ErrTaskTerminal once a task is final.
type AgentTaskRepository interface {
	Save(ctx context.Context, tx Tx, task *model.AgentTask) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.AgentTask, error)
	MarkRunning(ctx context.Context, tx Tx, id string, at time.Time) error
	Finish(ctx context.Context, tx Tx, task *model.AgentTask) error
	LinkReservation(ctx context.Context, tx Tx, taskID, reservationID string) error
}
