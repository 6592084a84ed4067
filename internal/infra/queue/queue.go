// Package queue is the durable, Redis-backed job queue: at-least-once delivery
// with visibility timeouts, retry backoff, idempotent enqueue and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/infra/metrics"
	red "whatsapp-ai-platform/internal/infra/redis"
)

// Policy is the retry and visibility configuration of one queue.
type Policy struct {
	Attempts   int
	Backoff    model.Backoff
	Visibility time.Duration
}

// DefaultPolicies are the production defaults per queue.
func DefaultPolicies() map[model.QueueName]Policy {
	return map[model.QueueName]Policy{
		model.QueueWhatsAppSend: {Attempts: 3, Backoff: model.Exponential(2 * time.Second), Visibility: 2 * time.Minute},
		model.QueueAgentRun:     {Attempts: 1, Backoff: model.Backoff{Kind: model.BackoffNone}, Visibility: 5 * time.Minute},
		model.QueueAiResponse:   {Attempts: 2, Backoff: model.Fixed(3 * time.Second), Visibility: 2 * time.Minute},
		model.QueueBilling:      {Attempts: 3, Backoff: model.Exponential(5 * time.Second), Visibility: time.Minute},
		model.QueueCompliance:   {Attempts: 3, Backoff: model.Exponential(5 * time.Second), Visibility: time.Minute},
	}
}

type Options struct {
	Policies       map[model.QueueName]Policy
	IdempotencyTTL time.Duration
	DeadRetention  time.Duration
	WorkerLiveness time.Duration
	Now            func() time.Time
}

// DeadLetterFunc is invoked for jobs the queue buries while reclaiming expired claims.
type DeadLetterFunc func(ctx context.Context, job *model.Job)

type Queue struct {
	cli      *redis.Client
	policies map[model.QueueName]Policy
	idemTTL  time.Duration
	deadTTL  time.Duration
	liveness time.Duration
	now      func() time.Time
	onDead   DeadLetterFunc
}

func New(client red.RedisClient, opts Options) *Queue {
	q := &Queue{
		cli:      client.Native(),
		policies: DefaultPolicies(),
		idemTTL:  opts.IdempotencyTTL,
		deadTTL:  opts.DeadRetention,
		liveness: opts.WorkerLiveness,
		now:      opts.Now,
	}
	for name, p := range opts.Policies {
		q.policies[name] = p
	}
	if q.idemTTL <= 0 {
		q.idemTTL = 24 * time.Hour
	}
	if q.deadTTL <= 0 {
		q.deadTTL = 7 * 24 * time.Hour
	}
	if q.liveness <= 0 {
		q.liveness = 30 * time.Second
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// OnDeadLetter registers the handler for jobs buried during reclaim.
func (q *Queue) OnDeadLetter(fn DeadLetterFunc) { q.onDead = fn }

func (q *Queue) Policy(name model.QueueName) Policy { return q.policies[name] }

func prefix(name model.QueueName) string { return "wq:{" + string(name) + "}:" }

func ms(d time.Duration) int64 { return d.Milliseconds() }

// Enqueue stores payload on queue and returns its job id. With an idempotency
// key, a repeat within the retention window returns the original id and writes nothing.
func (q *Queue) Enqueue(ctx context.Context, name model.QueueName, payload model.JobPayload, opts model.EnqueueOptions) (string, error) {
	pol, ok := q.policies[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownQueue, name)
	}
	if payload == nil || payload.Queue() != name {
		return "", fmt.Errorf("%w: payload does not belong to queue %s", domain.ErrInvalidPayload, name)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	attempts := pol.Attempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}
	if attempts <= 0 {
		attempts = 1
	}
	backoff := pol.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	if backoff.Kind == "" {
		backoff.Kind = model.BackoffNone
	}
	front := "0"
	if opts.Front {
		front = "1"
	}

	id := ulid.Make().String()
	res, err := enqueueScript.Run(ctx, q.cli, []string{prefix(name) + "ready"},
		prefix(name), id, string(body), attempts, string(backoff.Kind), ms(backoff.Delay),
		opts.IdempotencyKey, ms(q.idemTTL), q.now().UnixMilli(), ms(opts.Delay), front,
	).Slice()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("enqueue %s: unexpected script reply", name)
	}
	created, _ := res[0].(int64)
	jobID, _ := res[1].(string)
	if created == 1 {
		metrics.IncJobEnqueued(string(name), "created")
	} else {
		metrics.IncJobEnqueued(string(name), "duplicate")
	}
	return jobID, nil
}

// Claim hands the next ready job to workerID and hides it from other workers
// for the queue's visibility timeout. It returns nil, nil when nothing is ready.
func (q *Queue) Claim(ctx context.Context, name model.QueueName, workerID string) (*model.Job, error) {
	pol, ok := q.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownQueue, name)
	}
	token := uuid.NewString()
	now := q.now()
	res, err := claimScript.Run(ctx, q.cli, []string{prefix(name) + "ready"},
		prefix(name), now.UnixMilli(), ms(pol.Visibility), token, workerID, ms(q.deadTTL),
		now.Add(pol.Visibility).UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", name, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("claim %s: unexpected script reply", name)
	}

	if dead, ok := res[2].([]interface{}); ok {
		for _, d := range dead {
			id, _ := d.(string)
			metrics.IncDeadLetter(string(name))
			if q.onDead == nil || id == "" {
				continue
			}
			if job, err := q.load(ctx, name, id); err == nil {
				q.onDead(ctx, job)
			}
		}
	}

	id, _ := res[0].(string)
	if id == "" {
		return nil, nil
	}
	fields, _ := res[1].([]interface{})
	job, err := parseJob(name, id, pairs(fields))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ack removes a successfully processed job.
func (q *Queue) Ack(ctx context.Context, job *model.Job) error {
	n, err := ackScript.Run(ctx, q.cli, []string{prefix(job.Queue) + "ready"},
		prefix(job.Queue), job.ID, job.Token).Int64()
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", job.Queue, job.ID, err)
	}
	if n == 0 {
		return domain.ErrJobLost
	}
	return nil
}

// Fail records a failed attempt. The job is retried after its backoff while
// attempts remain, otherwise (or when permanent) it is dead-lettered.
// The returned flag reports dead-lettering.
func (q *Queue) Fail(ctx context.Context, job *model.Job, cause error, permanent bool) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	perm := "0"
	if permanent {
		perm = "1"
	}
	res, err := failScript.Run(ctx, q.cli, []string{prefix(job.Queue) + "ready"},
		prefix(job.Queue), job.ID, job.Token, q.now().UnixMilli(), msg, perm, ms(q.deadTTL),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("fail %s/%s: %w", job.Queue, job.ID, err)
	}
	status, _ := res[0].(int64)
	attempts, _ := res[1].(int64)
	switch status {
	case -1:
		return false, domain.ErrJobLost
	case 1:
		job.Attempts = int(attempts)
		job.LastError = msg
		metrics.IncDeadLetter(string(job.Queue))
		return true, nil
	default:
		job.Attempts = int(attempts)
		job.LastError = msg
		return false, nil
	}
}

// Release returns a claimed job after delay without consuming an attempt.
func (q *Queue) Release(ctx context.Context, job *model.Job, delay time.Duration) error {
	n, err := releaseScript.Run(ctx, q.cli, []string{prefix(job.Queue) + "ready"},
		prefix(job.Queue), job.ID, job.Token, q.now().UnixMilli(), ms(delay)).Int64()
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", job.Queue, job.ID, err)
	}
	if n == 0 {
		return domain.ErrJobLost
	}
	return nil
}

// Extend pushes the visibility deadline of a claimed job to now+visibility.
func (q *Queue) Extend(ctx context.Context, job *model.Job, visibility time.Duration) error {
	until := q.now().Add(visibility)
	n, err := extendScript.Run(ctx, q.cli, []string{prefix(job.Queue) + "ready"},
		prefix(job.Queue), job.ID, job.Token, until.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s/%s: %w", job.Queue, job.ID, err)
	}
	if n == 0 {
		return domain.ErrJobLost
	}
	job.VisibleUntil = until
	return nil
}

func (q *Queue) load(ctx context.Context, name model.QueueName, id string) (*model.Job, error) {
	m, err := q.cli.HGetAll(ctx, prefix(name)+"job:"+id).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, domain.ErrNotFound
	}
	return parseJob(name, id, m)
}

func pairs(flat []interface{}) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func parseJob(name model.QueueName, id string, m map[string]string) (*model.Job, error) {
	if _, ok := m["payload"]; !ok {
		return nil, errors.New("job hash without payload")
	}
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	job := &model.Job{
		ID:             id,
		Queue:          name,
		Payload:        json.RawMessage(m["payload"]),
		Attempts:       int(atoi("attempts")),
		MaxAttempts:    int(atoi("max_attempts")),
		Backoff:        model.Backoff{Kind: model.BackoffKind(m["backoff_kind"]), Delay: time.Duration(atoi("backoff_ms")) * time.Millisecond},
		IdempotencyKey: m["idem"],
		Token:          m["token"],
		LastError:      m["last_error"],
		CreatedAt:      time.UnixMilli(atoi("created_at")),
	}
	if v := atoi("visible_until"); v > 0 {
		job.VisibleUntil = time.UnixMilli(v)
	}
	return job, nil
}
