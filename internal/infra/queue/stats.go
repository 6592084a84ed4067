package queue

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"

	"whatsapp-ai-platform/internal/domain/model"
)

// Stats is a point-in-time view of one queue used by health checks.
type Stats struct {
	Queue       model.QueueName `json:"queue"`
	Ready       int64           `json:"ready"`
	Delayed     int64           `json:"delayed"`
	Active      int64           `json:"active"`
	Dead        int64           `json:"dead"`
	LiveWorkers int64           `json:"live_workers"`
}

func (s Stats) Depth() int64 { return s.Ready + s.Delayed }

func (q *Queue) Stats(ctx context.Context, name model.QueueName) (Stats, error) {
	p := prefix(name)
	cutoff := q.now().Add(-q.liveness).UnixMilli()

	var ready, dead *redis.IntCmd
	var delayed, active, live *redis.IntCmd
	_, err := q.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, p+"ready")
		delayed = pipe.ZCard(ctx, p+"delayed")
		active = pipe.ZCard(ctx, p+"active")
		dead = pipe.LLen(ctx, p+"dead")
		live = pipe.ZCount(ctx, p+"workers", strconv.FormatInt(cutoff, 10), "+inf")
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Queue:       name,
		Ready:       ready.Val(),
		Delayed:     delayed.Val(),
		Active:      active.Val(),
		Dead:        dead.Val(),
		LiveWorkers: live.Val(),
	}, nil
}

// Heartbeat records workerID as alive and drops workers silent for 10 liveness windows.
func (q *Queue) Heartbeat(ctx context.Context, name model.QueueName, workerID string) error {
	p := prefix(name)
	now := q.now()
	stale := now.Add(-10 * q.liveness).UnixMilli()
	_, err := q.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, p+"workers", &redis.Z{Score: float64(now.UnixMilli()), Member: workerID})
		pipe.ZRemRangeByScore(ctx, p+"workers", "-inf", "("+strconv.FormatInt(stale, 10))
		return nil
	})
	return err
}

// Leave removes workerID from the liveness set on shutdown.
func (q *Queue) Leave(ctx context.Context, name model.QueueName, workerID string) error {
	return q.cli.ZRem(ctx, prefix(name)+"workers", workerID).Err()
}

// DeadLetters lists the newest dead jobs still retained.
func (q *Queue) DeadLetters(ctx context.Context, name model.QueueName, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.cli.LRange(ctx, prefix(name)+"dead", 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, name, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
