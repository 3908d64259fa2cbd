package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fiscalprint"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	passOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "request_outcomes_total",
			Help:      "Per-request results of queue passes.",
		},
		[]string{"outcome"},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a full queue pass.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_requests",
			Help:      "Pending requests seen at the start of the last pass.",
		},
	)

	bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Bridge channel calls by operation and gRPC code.",
		},
		[]string{"operation", "code"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User-visible notifications by level.",
		},
		[]string{"level"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, passOutcomes, passDuration, pendingRequests, bridgeCalls, notifications)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncOutcome counts one request result: completed, failed, parked_no_printer,
// parked_not_ready or skipped.
func IncOutcome(outcome string) {
	passOutcomes.WithLabelValues(outcome).Inc()
}

func ObservePass(pending int, d time.Duration) {
	pendingRequests.Set(float64(pending))
	passDuration.Observe(d.Seconds())
}

func IncBridgeCall(operation, code string) {
	bridgeCalls.WithLabelValues(operation, code).Inc()
}

func IncNotification(level string) {
	notifications.WithLabelValues(level).Inc()
}
