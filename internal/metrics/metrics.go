// Package metrics defines the Prometheus collectors for the onboarding flow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CodeSubmissions    *prometheus.CounterVec
	Logins             *prometheus.CounterVec
	Acceptances        *prometheus.CounterVec
	ProvisioningEvents *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	RateLimited        prometheus.Counter
	StepDuration       *prometheus.HistogramVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CodeSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eduinvite_code_submissions_total",
			Help: "Invite code submissions by result",
		}, []string{"result"}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eduinvite_logins_total",
			Help: "Completed OIDC callbacks by result",
		}, []string{"result"}),
		Acceptances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eduinvite_acceptances_total",
			Help: "Invitation acceptance attempts by outcome",
		}, []string{"outcome"}),
		ProvisioningEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eduinvite_provisioning_events_total",
			Help: "Provisioning events by result",
		}, []string{"result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eduinvite_provisioning_deliveries_total",
			Help: "Queued provisioning delivery attempts by result (ok, retry, dead)",
		}, []string{"result"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "eduinvite_rate_limited_total",
			Help: "Requests rejected by the code submission rate limiter",
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eduinvite_step_duration_seconds",
			Help:    "Duration of onboarding steps including provider and store calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
	}
}

// ObserveStep records the time since start for step.
func (m *Metrics) ObserveStep(step string, start time.Time) {
	m.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}
