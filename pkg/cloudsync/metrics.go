package cloudsync

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-operation counters and latencies for every session
// created with WithMetrics. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	refreshes  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudsync",
			Name:      "operations_total",
			Help:      "Remote operations by provider, operation and result kind.",
		}, []string{"provider", "op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudsync",
			Name:      "operation_duration_seconds",
			Help:      "Latency of remote operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudsync",
			Name:      "token_refreshes_total",
			Help:      "OAuth2 token refreshes triggered by rejected requests.",
		}, []string{"provider", "result"}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.refreshes)
	}

	return m
}

func (m *Metrics) observe(provider, op string, err error, d time.Duration) {
	if m == nil {
		return
	}

	m.operations.WithLabelValues(provider, op, resultLabel(err)).Inc()
	m.latency.WithLabelValues(provider, op).Observe(d.Seconds())
}

func (m *Metrics) refreshed(provider string, err error) {
	if m == nil {
		return
	}

	m.refreshes.WithLabelValues(provider, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}

	return "invalid_argument"
}
