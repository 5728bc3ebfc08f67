package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	ledgerPostings   *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	rateLimitAllowed prometheus.Counter
	rateLimitDenied  prometheus.Counter
}

// New registers the application counters on the default registry.
func New() *Metrics {
	return &Metrics{
		ledgerPostings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "adforge_ledger_postings_total",
			Help: "Ledger rows written, labeled by posting reason.",
		}, []string{"reason"}),
		jobTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "adforge_generation_transitions_total",
			Help: "Generation job state transitions, labeled by target status.",
		}, []string{"status"}),
		paymentEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "adforge_payment_events_total",
			Help: "Stripe webhook events ingested, labeled by event type.",
		}, []string{"type"}),
		rateLimitAllowed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "adforge_generation_rate_limit_allowed_total",
			Help: "Generation requests admitted by the rate limiter.",
		}),
		rateLimitDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "adforge_generation_rate_limit_denied_total",
			Help: "Generation requests rejected by the rate limiter.",
		}),
	}
}

// RecordLedgerPosting counts one committed ledger row.
func (m *Metrics) RecordLedgerPosting(reason string) {
	if m == nil {
		return
	}
	m.ledgerPostings.WithLabelValues(normalizeLabel(reason)).Inc()
}

// RecordJobTransition counts one job state transition.
func (m *Metrics) RecordJobTransition(status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(normalizeLabel(status)).Inc()
}

// RecordPaymentEvent counts one ingested webhook event.
func (m *Metrics) RecordPaymentEvent(eventType string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// RecordRateLimit counts a rate limiter decision.
func (m *Metrics) RecordRateLimit(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.rateLimitAllowed.Inc()
		return
	}
	m.rateLimitDenied.Inc()
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
