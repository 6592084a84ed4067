package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	red "whatsapp-ai-platform/internal/infra/redis"
)

// Enqueuer is satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name model.QueueName, payload model.JobPayload, opts model.EnqueueOptions) (string, error)
}

type OrganizationLister interface {
	ListIDs(ctx context.Context, tx repository.Tx) ([]string, error)
}

type SweepSchedule struct {
	Renewal    string
	Compliance string
	Audit      string
}

// Sweeper fans periodic billing and compliance work out as one job per
// organization. Replicas share a Redis lock per sweep and every job carries
// an idempotency key, so a sweep fired twice enqueues once.
type Sweeper struct {
	cron     *cron.Cron
	queue    Enqueuer
	orgs     OrganizationLister
	locker   red.Locker
	schedule SweepSchedule
	lockTTL  time.Duration
	log      *zerolog.Logger
	now      func() time.Time
}

func NewSweeper(queue Enqueuer, orgs OrganizationLister, locker red.Locker, schedule SweepSchedule, logger *zerolog.Logger) *Sweeper {
	l := logger.With().Str("component", "Sweeper").Logger()
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log: &l})))
	return &Sweeper{
		cron:     c,
		queue:    queue,
		orgs:     orgs,
		locker:   locker,
		schedule: schedule,
		lockTTL:  50 * time.Second,
		log:      &l,
		now:      time.Now,
	}
}

// Start registers the sweeps and starts the cron scheduler. An invalid
// schedule is reported before anything runs.
func (s *Sweeper) Start(ctx context.Context) error {
	entries := []struct {
		name, expr string
		fn         func(context.Context) (int, error)
	}{
		{"renewal", s.schedule.Renewal, s.SweepRenewals},
		{"compliance", s.schedule.Compliance, s.SweepCompliance},
		{"audit", s.schedule.Audit, s.SweepAudits},
	}
	for _, e := range entries {
		if e.expr == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.expr, func() {
			if _, err := e.fn(ctx); err != nil {
				s.log.Error().Err(err).Str("sweep", e.name).Msg("sweep failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", e.name, e.expr, err)
		}
		s.log.Info().Str("sweep", e.name).Str("schedule", e.expr).Msg("scheduled sweep")
	}
	s.cron.Start()
	return nil
}

// Stop waits for running sweeps to return.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepRenewals enqueues one renewal per organization, keyed by billing month.
// The billing worker itself skips organizations whose cycle is not due.
func (s *Sweeper) SweepRenewals(ctx context.Context) (int, error) {
	period := s.now().UTC().Format("2006-01")
	return s.sweep(ctx, "renewal", func(orgID string) (model.JobPayload, string) {
		return model.BillingPayload{Action: model.BillingRenew, OrganizationID: orgID},
			fmt.Sprintf("renew:%s:%s", orgID, period)
	})
}

// SweepCompliance enqueues one usage check per organization and hour.
func (s *Sweeper) SweepCompliance(ctx context.Context) (int, error) {
	hour := s.now().UTC().Format("2006010215")
	return s.sweep(ctx, "compliance", func(orgID string) (model.JobPayload, string) {
		return model.CompliancePayload{OrganizationID: orgID}, fmt.Sprintf("compliance:%s:%s", orgID, hour)
	})
}

// SweepAudits enqueues one balance audit per organization and day.
func (s *Sweeper) SweepAudits(ctx context.Context) (int, error) {
	day := s.now().UTC().Format("2006-01-02")
	return s.sweep(ctx, "audit", func(orgID string) (model.JobPayload, string) {
		return model.BillingPayload{Action: model.BillingReconcileBalance, OrganizationID: orgID},
			fmt.Sprintf("audit:%s:%s", orgID, day)
	})
}

func (s *Sweeper) sweep(ctx context.Context, name string, build func(orgID string) (model.JobPayload, string)) (int, error) {
	lockKey := "sweep:" + name
	if _, err := s.locker.TryLock(ctx, lockKey, s.lockTTL); err != nil {
		if errors.Is(err, red.ErrLockHeld) {
			s.log.Debug().Str("sweep", name).Msg("sweep already running on another replica")
			return 0, nil
		}
		return 0, fmt.Errorf("lock %s: %w", lockKey, err)
	}
	// the lock is left to expire so replicas firing the same tick skip it

	ids, err := s.orgs.ListIDs(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("list organizations: %w", err)
	}
	n := 0
	for _, id := range ids {
		payload, key := build(id)
		if _, err := s.queue.Enqueue(ctx, payload.Queue(), payload, model.EnqueueOptions{IdempotencyKey: key}); err != nil {
			s.log.Error().Err(err).Str("sweep", name).Str("org_id", id).Msg("failed to enqueue sweep job")
			continue
		}
		n++
	}
	s.log.Info().Str("sweep", name).Int("organizations", n).Msg("sweep enqueued")
	return n, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log *zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
