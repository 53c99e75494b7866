package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	TelegramUpdates      *prometheus.CounterVec
	TelegramSends        *prometheus.CounterVec
	GatewayRequests      *prometheus.CounterVec
	GatewayLatency       *prometheus.HistogramVec
	WebhookEvents        *prometheus.CounterVec
	OrderTransitions     *prometheus.CounterVec
	PlatformFees         *prometheus.CounterVec
	RecoveryRuns         prometheus.Counter
	RecoveryMessagesSent prometheus.Counter
	Errors               *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			TelegramUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_updates_total",
				Help:      "Total Telegram webhook updates processed by kind.",
			}, []string{"kind"}),
			TelegramSends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_sends_total",
				Help:      "Total Telegram API calls by method and outcome.",
			}, []string{"method", "status"}),
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total payment gateway requests by gateway and outcome.",
			}, []string{"gateway", "status"}),
			GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Latency distribution for payment gateway requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"gateway", "status"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total inbound gateway webhook events by gateway and outcome.",
			}, []string{"gateway", "outcome"}),
			OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Total order state transitions by target state.",
			}, []string{"to"}),
			PlatformFees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_fees_total",
				Help:      "Total platform fee settlements by funding source.",
			}, []string{"source"}),
			RecoveryRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_runs_total",
				Help:      "Total cart recovery scheduler runs.",
			}),
			RecoveryMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_messages_sent_total",
				Help:      "Total cart recovery messages sent.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.TelegramUpdates,
			metricsInstance.TelegramSends,
			metricsInstance.GatewayRequests,
			metricsInstance.GatewayLatency,
			metricsInstance.WebhookEvents,
			metricsInstance.OrderTransitions,
			metricsInstance.PlatformFees,
			metricsInstance.RecoveryRuns,
			metricsInstance.RecoveryMessagesSent,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
