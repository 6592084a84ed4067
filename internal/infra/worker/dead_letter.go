package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

// DeadLetterRecorder persists dead-lettered jobs for operator inspection.
type DeadLetterRecorder struct {
	repo repository.FailedJobRepository
	log  *zerolog.Logger
}

func NewDeadLetterRecorder(repo repository.FailedJobRepository, logger *zerolog.Logger) *DeadLetterRecorder {
	l := logger.With().Str("component", "dead_letter").Logger()
	return &DeadLetterRecorder{repo: repo, log: &l}
}

// Record matches queue.DeadLetterFunc so it also receives jobs buried on reclaim.
func (d *DeadLetterRecorder) Record(ctx context.Context, job *model.Job) {
	f := &model.FailedJob{
		ID:        uuid.NewString(),
		Queue:     string(job.Queue),
		JobID:     job.ID,
		Payload:   []byte(job.Payload),
		Error:     job.LastError,
		Attempts:  job.Attempts,
		CreatedAt: time.Now(),
	}
	if !json.Valid(f.Payload) {
		f.Payload, _ = json.Marshal(string(job.Payload))
	}
	if p, err := job.Decode(); err == nil {
		f.OrganizationID = model.OrganizationOf(p)
	}
	if err := d.repo.Save(ctx, nil, f); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Str("queue", f.Queue).Msg("failed to persist dead letter")
		return
	}
	d.log.Error().Str("job_id", job.ID).Str("queue", f.Queue).Int("attempts", f.Attempts).Str("error", f.Error).Msg("job moved to dead letters")
}
