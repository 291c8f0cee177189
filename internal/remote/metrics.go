package remote

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for remote API calls.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// NewMetrics creates and registers the remote API metrics once per process.
//
// Metrics:
//   - remote_requests_total{op,outcome} - calls by outcome (ok, not_found, unavailable, rate_limited, rejected, error)
//   - remote_request_duration_seconds{op} - call latency
//   - remote_rate_limited_total - 429 responses
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "remote_requests_total",
					Help: "Total number of remote platform API calls",
				},
				[]string{"op", "outcome"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "remote_request_duration_seconds",
					Help:    "Duration of remote platform API calls in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			RateLimited: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "remote_rate_limited_total",
					Help: "Total number of rate-limited remote platform API calls",
				},
			),
		}
	})
	return globalMetrics
}

// Observe records one call.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := Outcome(err)
	m.RequestsTotal.WithLabelValues(op, outcome).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if outcome == "rate_limited" {
		m.RateLimited.Inc()
	}
}

// Outcome labels err for metrics.
func Outcome(err error) string {
	var (
		unavailable *RemoteUnavailableError
		limited     *RemoteRateLimitedError
		rejected    *RejectedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "error"
	}
}
