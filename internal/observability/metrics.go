package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "u2fbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fbridge",
			Name:      "discovery_total",
			Help:      "Transport discoveries by chosen transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fbridge",
			Name:      "requests_total",
			Help:      "U2F requests sent, by message type.",
		},
		[]string{"type"},
	)
	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fbridge",
			Name:      "responses_total",
			Help:      "Inbound responses and local failures, by outcome.",
		},
		[]string{"outcome"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "u2fbridge",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
	)
	negotiationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "u2fbridge",
			Name:      "negotiation_duration_seconds",
			Help:      "Fallback channel handshake duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .2, .5, 1},
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			discoveries,
			requests,
			responses,
			pendingRequests,
			negotiationDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDiscovery counts one finished discovery. transport is "native",
// "channel", or "none" on failure.
func RecordDiscovery(transport, outcome string) {
	RegisterMetrics()
	discoveries.WithLabelValues(transport, outcome).Inc()
}

func RecordRequest(msgType string) {
	RegisterMetrics()
	requests.WithLabelValues(msgType).Inc()
}

// RecordResponse counts one correlation outcome: delivered, dropped or failed.
func RecordResponse(outcome string) {
	RegisterMetrics()
	responses.WithLabelValues(outcome).Inc()
}

func SetPendingRequests(n int) {
	RegisterMetrics()
	pendingRequests.Set(float64(n))
}

func RecordNegotiation(outcome string, duration time.Duration) {
	RegisterMetrics()
	negotiationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
