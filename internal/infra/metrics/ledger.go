package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(ledgerEntriesTotal, reservationsTotal, balanceDriftTotal, agentRunsTotal, agentStepsUsed)
}

var (
	ledgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_entries_total",
			Help: "Credit transactions appended, per type.",
		},
		[]string{"type"},
	)

	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_reservations_total",
			Help: "Reservation lifecycle events (created, confirmed, failed, expired, replay).",
		},
		[]string{"event"},
	)

	balanceDriftTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_balance_drift_total",
			Help: "Organizations whose balance differs from the sum of their transactions.",
		},
	)

	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Finished agent runs per terminal status.",
		},
		[]string{"status"},
	)

	agentStepsUsed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_steps_used",
			Help:    "LLM steps consumed per agent run.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 30},
		},
	)
)

func IncLedgerEntry(txType string) {
	ledgerEntriesTotal.WithLabelValues(norm(txType)).Inc()
}

func IncReservation(event string) {
	reservationsTotal.WithLabelValues(norm(event)).Inc()
}

func IncBalanceDrift() { balanceDriftTotal.Inc() }

func ObserveAgentRun(status string, steps int) {
	agentRunsTotal.WithLabelValues(norm(status)).Inc()
	agentStepsUsed.Observe(float64(steps))
}
