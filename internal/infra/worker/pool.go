// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/infra/logging"
	"whatsapp-ai-platform/internal/infra/metrics"
	red "whatsapp-ai-platform/internal/infra/redis"
	"whatsapp-ai-platform/internal/infra/tracing"
)

// Handler processes one decoded job. Returning nil acks the job, Permanent
// errors dead-letter it, RateLimited releases it, anything else is retried.
type Handler interface {
	Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error
}

type HandlerFunc func(ctx context.Context, job *model.Job, payload model.JobPayload) error

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, payload model.JobPayload) error {
	return f(ctx, job, payload)
}

// JobSource is the consumer side of the durable queue.
type JobSource interface {
	Claim(ctx context.Context, name model.QueueName, workerID string) (*model.Job, error)
	Ack(ctx context.Context, job *model.Job) error
	Fail(ctx context.Context, job *model.Job, cause error, permanent bool) (bool, error)
	Release(ctx context.Context, job *model.Job, delay time.Duration) error
	Extend(ctx context.Context, job *model.Job, visibility time.Duration) error
	Heartbeat(ctx context.Context, name model.QueueName, workerID string) error
	Leave(ctx context.Context, name model.QueueName, workerID string) error
}

// Limiter is the token-bucket port.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type PoolConfig struct {
	Queue   model.QueueName
	Workers int
	// RatePerMinute caps each worker; the queue-wide bucket holds RatePerMinute×Workers.
	RatePerMinute    int
	Visibility       time.Duration
	PollInterval     time.Duration
	RateLimitedDelay time.Duration
	ShutdownGrace    time.Duration
}

// Pool runs a fixed number of consumers for one queue.
type Pool struct {
	cfg     PoolConfig
	src     JobSource
	handler Handler
	limiter Limiter
	dead    *DeadLetterRecorder
	log     *zerolog.Logger
	sleep   Sleeper

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func NewPool(src JobSource, handler Handler, limiter Limiter, dead *DeadLetterRecorder, cfg PoolConfig, logger *zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RateLimitedDelay <= 0 {
		cfg.RateLimitedDelay = 5 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	l := logger.With().Str("component", "pool").Str("queue", string(cfg.Queue)).Logger()
	return &Pool{
		cfg:     cfg,
		src:     src,
		handler: handler,
		limiter: limiter,
		dead:    dead,
		log:     &l,
		sleep:   SleepContext,
	}
}

// Start launches the consumers. They stop claiming when ctx is done; jobs in
// flight keep running for up to ShutdownGrace before their context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stop := context.WithCancel(ctx)
	p.stop = stop

	go func() {
		<-loopCtx.Done()
		t := time.NewTimer(p.cfg.ShutdownGrace)
		defer t.Stop()
		done := make(chan struct{})
		go func() { p.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-t.C:
			p.log.Warn().Msg("shutdown grace elapsed, cancelling in-flight jobs")
		}
		cancelJobs()
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", p.cfg.Queue, i, uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(loopCtx, jobCtx, workerID)
		}()
	}
	p.log.Info().Int("workers", p.cfg.Workers).Int("rate_per_minute", p.cfg.RatePerMinute).Msg("pool started")
}

// Stop stops claiming and waits for the consumers to return.
func (p *Pool) Stop() {
	if p.stop != nil {
		p.stop()
	}
	p.wg.Wait()
	p.log.Info().Msg("pool stopped")
}

func (p *Pool) loop(loopCtx, jobCtx context.Context, workerID string) {
	defer func() {
		_ = p.src.Leave(context.WithoutCancel(loopCtx), p.cfg.Queue, workerID)
	}()
	for loopCtx.Err() == nil {
		if err := p.src.Heartbeat(loopCtx, p.cfg.Queue, workerID); err != nil && loopCtx.Err() == nil {
			p.log.Warn().Err(err).Str("worker", workerID).Msg("heartbeat failed")
		}
		processed, err := p.ProcessOne(loopCtx, jobCtx, workerID)
		if err != nil && loopCtx.Err() == nil {
			p.log.Error().Err(err).Str("worker", workerID).Msg("claim failed")
		}
		if !processed {
			_ = p.sleep(loopCtx, p.cfg.PollInterval)
		}
	}
}

// ProcessOne claims and handles at most one job. It reports whether a job was claimed.
func (p *Pool) ProcessOne(claimCtx, jobCtx context.Context, workerID string) (bool, error) {
	job, err := p.src.Claim(claimCtx, p.cfg.Queue, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	queue := string(p.cfg.Queue)
	ctx := logging.WithQueue(logging.WithJobID(jobCtx, job.ID), queue)
	ctx, span := tracing.StartSpan(ctx, "job."+queue, tracing.Queue(queue), tracing.JobID(job.ID), tracing.Attempt(job.Attempts+1))
	defer span.End()
	log := logging.With(ctx, p.log)
	start := time.Now()

	payload, err := job.Decode()
	if err != nil {
		p.finish(ctx, log, job, Permanent(err), start)
		span.SetStatus(codes.Error, err.Error())
		return true, nil
	}
	if org := model.OrganizationOf(payload); org != "" {
		ctx = logging.WithOrgID(ctx, org)
		span.SetAttributes(tracing.OrgID(org))
		log = logging.With(ctx, p.log)
	}

	if p.cfg.RatePerMinute > 0 && p.limiter != nil {
		ok, err := p.limiter.Allow(ctx, red.QueueKey(queue), p.cfg.RatePerMinute*p.cfg.Workers, time.Minute)
		if err != nil {
			p.finish(ctx, log, job, fmt.Errorf("rate limiter: %w", err), start)
			return true, nil
		}
		if !ok {
			metrics.IncRateLimited("queue")
			p.finish(ctx, log, job, RateLimited(p.cfg.RateLimitedDelay), start)
			return true, nil
		}
	}

	stopBeat := p.keepAlive(ctx, log, job)
	err = p.safeHandle(ctx, job, payload)
	stopBeat()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.finish(ctx, log, job, err, start)
	return true, nil
}

func (p *Pool) safeHandle(ctx context.Context, job *model.Job, payload model.JobPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", domain.ErrOperationFailed, r)
		}
	}()
	return p.handler.Handle(ctx, job, payload)
}

// keepAlive extends the claim every visibility/3 while the handler runs.
func (p *Pool) keepAlive(ctx context.Context, log *zerolog.Logger, job *model.Job) func() {
	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.cfg.Visibility / 3)
		defer t.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-t.C:
				if err := p.src.Extend(beatCtx, job, p.cfg.Visibility); err != nil && beatCtx.Err() == nil {
					log.Warn().Err(err).Msg("failed to extend job visibility")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// finish settles the claim according to the handler result.
func (p *Pool) finish(ctx context.Context, log *zerolog.Logger, job *model.Job, err error, start time.Time) {
	queue := string(p.cfg.Queue)
	ctx = context.WithoutCancel(ctx)
	metrics.ObserveJobDuration(queue, time.Since(start).Seconds())

	if err == nil {
		if aerr := p.src.Ack(ctx, job); aerr != nil {
			log.Warn().Err(aerr).Msg("ack failed; job may be redelivered")
		}
		metrics.IncJobOutcome(queue, "completed")
		log.Debug().Dur("duration", time.Since(start)).Msg("job completed")
		return
	}

	if delay, ok := releaseDelay(err); ok {
		if rerr := p.src.Release(ctx, job, delay); rerr != nil {
			log.Warn().Err(rerr).Msg("release failed")
		}
		metrics.IncJobOutcome(queue, "released")
		log.Debug().Dur("delay", delay).Msg("job released")
		return
	}

	permanent := IsPermanent(err)
	dead, ferr := p.src.Fail(ctx, job, err, permanent)
	if ferr != nil {
		if errors.Is(ferr, domain.ErrJobLost) {
			log.Warn().Err(err).Msg("job failed after its claim expired")
			return
		}
		log.Error().Err(ferr).AnErr("cause", err).Msg("failed to record job failure")
		return
	}
	if dead {
		metrics.IncJobOutcome(queue, "dead")
		log.Error().Err(err).Int("attempts", job.Attempts).Bool("permanent", permanent).Msg("job dead-lettered")
		if p.dead != nil {
			p.dead.Record(ctx, job)
		}
		return
	}
	metrics.IncJobOutcome(queue, "retry")
	log.Warn().Err(err).Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("job failed, will retry")
}
