// Package metrics exposes counters for recovery and override activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder receives observations from the recovery and override managers.
// Implementations must be safe for concurrent use and must not block.
type Recorder interface {
	// RecoveryInitiated counts an Initiate call by method and outcome.
	RecoveryInitiated(method, outcome string)

	// RecoveryVerified counts a Verify call. outcome is OutcomeSuccess or
	// the error kind.
	RecoveryVerified(method, outcome string, elapsed time.Duration)

	// OverrideAction counts create/approve/revoke by override type.
	OverrideAction(overrideType, action, outcome string)

	// RateLimited counts a refusal by the rate limiter.
	RateLimited(method string)

	// GrantIssued counts temporary access grants by source.
	GrantIssued(source string)
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) RecoveryInitiated(method, outcome string)                        {}
func (NopRecorder) RecoveryVerified(method, outcome string, elapsed time.Duration) {}
func (NopRecorder) OverrideAction(overrideType, action, outcome string)            {}
func (NopRecorder) RateLimited(method string)                                      {}
func (NopRecorder) GrantIssued(source string)                                      {}

// PrometheusRecorder records observations as Prometheus metrics.
type PrometheusRecorder struct {
	initiated   *prometheus.CounterVec
	verified    *prometheus.CounterVec
	verifyTime  *prometheus.HistogramVec
	overrides   *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	grants      *prometheus.CounterVec
}

// NewPrometheusRecorder creates the metrics under namespace and registers
// them with reg. Registering twice on the same registry panics, as with
// any promauto metric.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		initiated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_initiated_total",
			Help:      "Recovery requests initiated, by method and outcome",
		}, []string{"method", "outcome"}),
		verified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_verified_total",
			Help:      "Recovery verification attempts, by method and outcome",
		}, []string{"method", "outcome"}),
		verifyTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_verify_duration_seconds",
			Help:      "Time spent in recovery verification",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		overrides: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "override_actions_total",
			Help:      "Administrative override actions, by type, action and outcome",
		}, []string{"type", "action", "outcome"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Attempts refused by the rate limiter, by method",
		}, []string{"method"}),
		grants: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_grants_issued_total",
			Help:      "Temporary access grants issued, by source",
		}, []string{"source"}),
	}
}

func (r *PrometheusRecorder) RecoveryInitiated(method, outcome string) {
	r.initiated.WithLabelValues(method, outcome).Inc()
}

func (r *PrometheusRecorder) RecoveryVerified(method, outcome string, elapsed time.Duration) {
	r.verified.WithLabelValues(method, outcome).Inc()
	r.verifyTime.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) OverrideAction(overrideType, action, outcome string) {
	r.overrides.WithLabelValues(overrideType, action, outcome).Inc()
}

func (r *PrometheusRecorder) RateLimited(method string) {
	r.rateLimited.WithLabelValues(method).Inc()
}

func (r *PrometheusRecorder) GrantIssued(source string) {
	r.grants.WithLabelValues(source).Inc()
}

var (
	_ Recorder = NopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
)
