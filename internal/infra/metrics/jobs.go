package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsEnqueuedTotal, jobsProcessedTotal, jobsDeadLetteredTotal, jobDurationSeconds, queueDepth)
}

var (
	jobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Enqueue calls per queue, labeled created or duplicate.",
		},
		[]string{"queue", "result"},
	)

	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Processed jobs per queue and outcome (acked, retried, dead, released, lost).",
		},
		[]string{"queue", "outcome"},
	)

	jobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter list per queue.",
		},
		[]string{"queue"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler duration per queue.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Ready plus delayed jobs per queue at the last health probe.",
		},
		[]string{"queue"},
	)
)

func IncJobEnqueued(queue, result string) {
	jobsEnqueuedTotal.WithLabelValues(norm(queue), norm(result)).Inc()
}

func IncJobOutcome(queue, outcome string) {
	jobsProcessedTotal.WithLabelValues(norm(queue), norm(outcome)).Inc()
}

func IncDeadLetter(queue string) {
	jobsDeadLetteredTotal.WithLabelValues(norm(queue)).Inc()
}

func ObserveJobDuration(queue string, seconds float64) {
	jobDurationSeconds.WithLabelValues(norm(queue)).Observe(seconds)
}

func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(norm(queue)).Set(float64(depth))
}
