package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GovernatorMetrics holds the domain counters exported on /metrics.
type GovernatorMetrics struct {
	challenges    prometheus.Counter
	verifications *prometheus.CounterVec
	platformCalls *prometheus.CounterVec
	exhaustions   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	polls         *prometheus.CounterVec
	votes         *prometheus.CounterVec
	strategy      *prometheus.HistogramVec
}

var (
	governatorOnce sync.Once
	governatorReg  *GovernatorMetrics
)

// Governator returns the lazily registered metrics set.
func Governator() *GovernatorMetrics {
	governatorOnce.Do(func() {
		governatorReg = &GovernatorMetrics{
			challenges: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "identity",
				Name:      "challenges_issued_total",
				Help:      "Address ownership challenges issued.",
			}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "identity",
				Name:      "verifications_total",
				Help:      "Signature verification attempts by outcome.",
			}, []string{"outcome"}),
			platformCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "discord",
				Name:      "requests_total",
				Help:      "Chat platform API attempts by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			exhaustions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "discord",
				Name:      "retry_exhausted_total",
				Help:      "Calls that failed after the final retry attempt.",
			}, []string{"endpoint"}),
			invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "session",
				Name:      "invalidations_total",
				Help:      "Sessions terminated by the service.",
			}, []string{"reason"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "polls",
				Name:      "created_total",
				Help:      "Poll submissions by result (created or replayed).",
			}, []string{"result"}),
			votes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governator",
				Subsystem: "votes",
				Name:      "cast_total",
				Help:      "Vote cast attempts by outcome.",
			}, []string{"outcome"}),
			strategy: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "governator",
				Subsystem: "eligibility",
				Name:      "balance_query_seconds",
				Help:      "Latency of token strategy balance lookups.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"strategy", "outcome"}),
		}
		prometheus.MustRegister(
			governatorReg.challenges,
			governatorReg.verifications,
			governatorReg.platformCalls,
			governatorReg.exhaustions,
			governatorReg.invalidations,
			governatorReg.polls,
			governatorReg.votes,
			governatorReg.strategy,
		)
	})
	return governatorReg
}

func (m *GovernatorMetrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *GovernatorMetrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *GovernatorMetrics) PlatformCall(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.platformCalls.WithLabelValues(endpoint, outcome).Inc()
}

func (m *GovernatorMetrics) RetryExhausted(endpoint string) {
	if m == nil {
		return
	}
	m.exhaustions.WithLabelValues(endpoint).Inc()
}

func (m *GovernatorMetrics) SessionInvalidated(reason string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(reason).Inc()
}

func (m *GovernatorMetrics) PollSubmitted(created bool) {
	if m == nil {
		return
	}
	result := "replayed"
	if created {
		result = "created"
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *GovernatorMetrics) VoteCast(outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(outcome).Inc()
}

// ObserveStrategy records one balance lookup.
func (m *GovernatorMetrics) ObserveStrategy(strategy string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.strategy.WithLabelValues(strategy, outcome).Observe(elapsed.Seconds())
}
