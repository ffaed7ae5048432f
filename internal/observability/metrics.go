package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	ActionsTotal    prometheus.Counter
	ChallengesTotal prometheus.Counter
	SessionEvents   *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	ActionDelay     prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		JobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Worker jobs by type and terminal status.",
		}, []string{"type", "status"}),
		ActionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Browser actions counted against the daily cap.",
		}),
		ChallengesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_challenges_total",
			Help:      "Security challenges that aborted a run.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Browser session lifecycle events by type.",
		}, []string{"event"}),
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Outreach messages by type and final status.",
		}, []string{"type", "status"}),
		ActionDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_delay_seconds",
			Help:      "Randomized safety delay applied between browser actions.",
			Buckets:   []float64{30, 60, 75, 90, 105, 120, 180},
		}),
	}
}

func (m *Metrics) ObserveActionDelay(d time.Duration) {
	m.ActionDelay.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
