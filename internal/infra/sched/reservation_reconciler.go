package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExpiredReconciler is the part of the ledger the sweep drives.
type ExpiredReconciler interface {
	ReconcileExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ReservationReconciler periodically fails PENDING reservations whose worker
// never settled them, so a crashed agent run cannot hold credits forever.
type ReservationReconciler struct {
	ledger   ExpiredReconciler
	interval time.Duration
	batch    int
	log      *zerolog.Logger
	now      func() time.Time
}

func NewReservationReconciler(ledger ExpiredReconciler, interval time.Duration, logger *zerolog.Logger) *ReservationReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	l := logger.With().Str("component", "ReservationReconciler").Logger()
	return &ReservationReconciler{ledger: ledger, interval: interval, batch: 200, log: &l, now: time.Now}
}

// Run ticks until ctx is cancelled.
func (r *ReservationReconciler) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("Starting reservation reconciler")
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Stopping reservation reconciler")
			return ctx.Err()
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep, draining full batches.
func (r *ReservationReconciler) Tick(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := r.ledger.ReconcileExpired(ctx, r.now(), r.batch)
		if err != nil {
			r.log.Error().Err(err).Msg("reservation sweep failed")
			return total
		}
		total += n
		if n < r.batch {
			break
		}
	}
	if total > 0 {
		r.log.Info().Int("count", total).Msg("expired reservations reconciled")
	}
	return total
}
