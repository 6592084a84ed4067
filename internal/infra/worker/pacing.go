package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/infra/metrics"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter returns a duration uniformly drawn from [min, max] using randN,
// which must behave like rand.Int63n.
func jitter(randN func(int64) int64, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(randN(int64(max-min)+1))
}

// bestEffort runs a side effect that must never fail the job.
func bestEffort(log *zerolog.Logger, effect string, fn func() error) {
	if err := fn(); err != nil {
		metrics.IncSideEffectFailure(effect)
		log.Warn().Err(err).Str("effect", effect).Msg("non-fatal side effect failed")
	}
}
