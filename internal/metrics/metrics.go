// Package metrics exposes Prometheus instrumentation for the delivery engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DispatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_runs_total",
			Help: "Total number of dispatcher runs per channel",
		},
		[]string{"channel"},
	)

	DispatchItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_items_total",
			Help: "Total number of queue items processed per channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	DispatchRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_run_duration_seconds",
			Help:    "Duration of full dispatcher runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	ProviderSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Duration of individual provider send attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	TrackingOpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_opens_total",
			Help: "Total number of tracking pixel requests",
		},
	)

	TrackingClicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_clicks_total",
			Help: "Total number of tracking click redirects",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of provider webhook events received per status",
		},
		[]string{"status"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(DispatchRunsTotal)
	prometheus.MustRegister(DispatchItemsTotal)
	prometheus.MustRegister(DispatchRunDuration)
	prometheus.MustRegister(ProviderSendDuration)
	prometheus.MustRegister(TrackingOpensTotal)
	prometheus.MustRegister(TrackingClicksTotal)
	prometheus.MustRegister(WebhookEventsTotal)
}
