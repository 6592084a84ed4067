// File: internal/usecase/enqueue_uc.go
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

// JobQueue is the producer side of the durable queue.
type JobQueue interface {
	Enqueue(ctx context.Context, name model.QueueName, payload model.JobPayload, opts model.EnqueueOptions) (string, error)
}

// AgentRunSettings prices agent runs.
type AgentRunSettings struct {
	CostPerStep decimal.Decimal
	// ReservationGrace is added to the task timeout to get the reservation TTL.
	ReservationGrace time.Duration
	// QueueWait is how long a reservation may sit behind the agent queue
	// before the runner picks it up and extends it.
	QueueWait time.Duration
}

type AgentRunRequest struct {
	OrganizationID string
	Model          string
	Prompt         string
	MaxSteps       int
	TimeoutMs      int64
}

// EnqueueUseCase is the producer API used by the HTTP layer and schedulers.
type EnqueueUseCase struct {
	queue    JobQueue
	guard    *PlanGuard
	ledger   Ledger
	orgs     repository.OrganizationRepository
	tasks    repository.AgentTaskRepository
	reserves repository.ReservationRepository
	tm       repository.TransactionManager
	settings AgentRunSettings
	log      *zerolog.Logger
}

func NewEnqueueUseCase(
	queue JobQueue,
	guard *PlanGuard,
	ledger Ledger,
	orgs repository.OrganizationRepository,
	tasks repository.AgentTaskRepository,
	reserves repository.ReservationRepository,
	tm repository.TransactionManager,
	settings AgentRunSettings,
	logger *zerolog.Logger,
) *EnqueueUseCase {
	if settings.CostPerStep.IsZero() {
		settings.CostPerStep = decimal.RequireFromString("0.50")
	}
	if settings.ReservationGrace <= 0 {
		settings.ReservationGrace = 5 * time.Minute
	}
	if settings.QueueWait <= 0 {
		settings.QueueWait = 24 * time.Hour
	}
	l := logger.With().Str("component", "enqueue").Logger()
	return &EnqueueUseCase{
		queue:    queue,
		guard:    guard,
		ledger:   ledger,
		orgs:     orgs,
		tasks:    tasks,
		reserves: reserves,
		tm:       tm,
		settings: settings,
		log:      &l,
	}
}

// EnqueueMessage queues an outbound WhatsApp message. A positive Priority
// places it ahead of the backlog.
func (uc *EnqueueUseCase) EnqueueMessage(ctx context.Context, p model.SendMessagePayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if _, _, err := uc.guard.Check(ctx, p.OrganizationID, ResourceMessages); err != nil {
		return "", err
	}
	return uc.queue.Enqueue(ctx, model.QueueWhatsAppSend, p, model.EnqueueOptions{
		IdempotencyKey: p.IdempotencyKey,
		Front:          p.Priority > 0,
	})
}

// EnqueueAgentRun queues an existing task against its reservation.
func (uc *EnqueueUseCase) EnqueueAgentRun(ctx context.Context, task *model.AgentTask, reservationID string) (string, error) {
	if task == nil {
		return "", domain.ErrInvalidArgument
	}
	p := model.AgentRunPayload{TaskID: task.ID, OrganizationID: task.OrganizationID, ReservationID: reservationID}
	return uc.queue.Enqueue(ctx, model.QueueAgentRun, p, model.EnqueueOptions{IdempotencyKey: "agent-run:" + task.ID})
}

// StartAgentRun creates a PENDING task, reserves maxSteps×costPerStep and
// queues the run. It returns the task and the job id.
func (uc *EnqueueUseCase) StartAgentRun(ctx context.Context, req AgentRunRequest) (*model.AgentTask, string, error) {
	if _, _, err := uc.guard.Check(ctx, req.OrganizationID, ResourceAgentRuns); err != nil {
		return nil, "", err
	}
	task, err := model.NewAgentTask(req.OrganizationID, req.Model, req.Prompt, req.MaxSteps, req.TimeoutMs)
	if err != nil {
		return nil, "", err
	}

	hold := uc.settings.CostPerStep.Mul(decimal.NewFromInt(int64(task.MaxSteps)))
	ttl := uc.settings.QueueWait + task.Timeout() + uc.settings.ReservationGrace
	reservationID, err := uc.ledger.Reserve(ctx, task.OrganizationID, hold, ttl)
	if err != nil {
		return nil, "", fmt.Errorf("reserve credits: %w", err)
	}
	task.ReservationID = &reservationID

	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.tasks.Save(ctx, tx, task); err != nil {
			return err
		}
		return uc.orgs.IncrementUsage(ctx, tx, task.OrganizationID, 0, 1)
	})
	if err != nil {
		uc.abandon(ctx, reservationID)
		return nil, "", err
	}

	jobID, err := uc.EnqueueAgentRun(ctx, task, reservationID)
	if err != nil {
		uc.abandon(ctx, reservationID)
		now := time.Now()
		task.Status = model.AgentTaskError
		task.Output = model.TruncateOutput("enqueue failed: " + err.Error())
		task.CompletedAt = &now
		if ferr := uc.tasks.Finish(ctx, nil, task); ferr != nil {
			uc.log.Error().Err(ferr).Str("task_id", task.ID).Msg("failed to mark task as ERROR")
		}
		return nil, "", err
	}
	if err := uc.reserves.LinkJob(ctx, nil, reservationID, jobID, task.ID); err != nil {
		uc.log.Warn().Err(err).Str("reservation_id", reservationID).Msg("failed to link job to reservation")
	}
	uc.log.Info().Str("task_id", task.ID).Str("job_id", jobID).Str("org_id", task.OrganizationID).Msg("agent run queued")
	return task, jobID, nil
}

func (uc *EnqueueUseCase) abandon(ctx context.Context, reservationID string) {
	if err := uc.ledger.Settle(ctx, reservationID, model.ReservationFailed, decimal.Zero); err != nil {
		uc.log.Error().Err(err).Str("reservation_id", reservationID).Msg("failed to release reservation")
	}
}

// EnqueueAiResponse queues an auto-reply to an inbound message.
func (uc *EnqueueUseCase) EnqueueAiResponse(ctx context.Context, p model.AiResponsePayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if _, _, err := uc.guard.Check(ctx, p.OrganizationID, ResourceMessages); err != nil {
		return "", err
	}
	return uc.queue.Enqueue(ctx, model.QueueAiResponse, p, model.EnqueueOptions{})
}
