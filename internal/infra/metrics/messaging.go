package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(messagesSentTotal, sideEffectFailuresTotal, rateLimitedTotal) }

var (
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_messages_sent_total",
			Help: "Outbound WhatsApp messages per source (smart_send, ai_response) and instance health.",
		},
		[]string{"source", "health"},
	)

	sideEffectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_effect_failures_total",
			Help: "Non-fatal side effect failures (presence, notifications).",
		},
		[]string{"effect"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Jobs returned to the queue because a rate limit denied them.",
		},
		[]string{"scope"}, // queue | tenant
	)
)

func IncMessageSent(source, health string) {
	messagesSentTotal.WithLabelValues(norm(source), norm(health)).Inc()
}

func IncSideEffectFailure(effect string) {
	sideEffectFailuresTotal.WithLabelValues(norm(effect)).Inc()
}

func IncRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(norm(scope)).Inc()
}
