package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all push delivery metrics
type Metrics struct {
	// Per-provider send metrics
	Sends       *prometheus.CounterVec
	SendLatency *prometheus.HistogramVec
	Retries     *prometheus.CounterVec
	Failures    *prometheus.CounterVec

	// Credential lifecycle
	CredentialRefreshes *prometheus.CounterVec

	// Token hygiene
	TokensRemoved *prometheus.CounterVec

	// Dispatch aggregates
	Dispatches      *prometheus.CounterVec
	DispatchLatency prometheus.Histogram

	// Expo receipt reconciliation
	ReceiptChecks *prometheus.CounterVec
}

// NewMetrics creates and registers all push delivery metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		Sends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sends_total",
			Help:      "Total number of per-device send attempts by terminal status",
		}, []string{"provider", "status"}),
		SendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_duration_seconds",
			Help:      "Duration of provider send calls",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_retries_total",
			Help:      "Total number of send retries",
		}, []string{"provider"}),
		Failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Total number of failed sends by verdict",
		}, []string{"provider", "verdict"}),
		CredentialRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "credential_refreshes_total",
			Help:      "Total number of provider credential generations",
		}, []string{"provider"}),
		TokensRemoved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_removed_total",
			Help:      "Total number of device tokens removed after permanent-invalid verdicts",
		}, []string{"provider"}),
		Dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatches_total",
			Help:      "Total number of dispatch calls by aggregate outcome",
		}, []string{"status"}),
		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end duration of dispatch calls",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		ReceiptChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "receipt_checks_total",
			Help:      "Total number of Expo receipts resolved by status",
		}, []string{"status"}),
	}
}

// New creates metrics without registering them, for tests and callers that
// manage their own registry.
func New(namespace string) *Metrics {
	return &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total number of per-device send attempts by terminal status",
		}, []string{"provider", "status"}),
		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Duration of provider send calls",
		}, []string{"provider"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Total number of send retries",
		}, []string{"provider"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed sends by verdict",
		}, []string{"provider", "verdict"}),
		CredentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Total number of provider credential generations",
		}, []string{"provider"}),
		TokensRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_removed_total",
			Help:      "Total number of device tokens removed after permanent-invalid verdicts",
		}, []string{"provider"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of dispatch calls by aggregate outcome",
		}, []string{"status"}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end duration of dispatch calls",
		}),
		ReceiptChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_checks_total",
			Help:      "Total number of Expo receipts resolved by status",
		}, []string{"status"}),
	}
}
