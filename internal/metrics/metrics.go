package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookEvents counts inbound provider webhooks by verification outcome:
	// verified, unverified_accept, rejected, ignored.
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Inbound provider webhooks by result."},
		[]string{"provider", "result"},
	)
	// QuoteDuration tracks end-to-end quote aggregation latency per provider count
	QuoteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "quote_duration_seconds", Help: "Quote aggregation duration in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}},
	)
	// ReaperOrders counts reaped drafts by outcome: cancelled, partially_cancelled, failed
	ReaperOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reaper_orders_total", Help: "Abandoned drafts processed by outcome."},
		[]string{"outcome"},
	)
	// StatusTransitions counts applied order status transitions
	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_status_transitions_total", Help: "Applied order status transitions."},
		[]string{"to"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookEvents)
		Registry.MustRegister(QuoteDuration)
		Registry.MustRegister(ReaperOrders)
		Registry.MustRegister(StatusTransitions)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
