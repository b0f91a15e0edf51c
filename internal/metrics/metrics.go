package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bizmsg"

// Drain outcomes used as the "result" label of DrainsTotal.
const (
	DrainCompleted = "completed"
	DrainSkipped   = "skipped"
	DrainError     = "error"
)

// Delivery outcomes used as the "outcome" label of DeliveryAttempts.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeCircuitOpen = "circuit_open"
)

var (
	MessagesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_enqueued_total",
		Help: "Messages accepted into the offline queue",
	})
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_delivered_total",
		Help: "Queued messages confirmed by the server",
	})
	MessagesTerminallyFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_terminal_failed_total",
		Help: "Queued messages that exhausted their retry budget",
	})
	MessagesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_discarded_total",
		Help: "Queued messages removed by the user",
	})
	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "delivery_attempts_total",
		Help: "Delivery attempts by outcome",
	}, []string{"outcome"})
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "delivery_duration_seconds",
		Help:    "Latency of single delivery requests",
		Buckets: prometheus.DefBuckets,
	})
	DrainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "drains_total",
		Help: "Drain passes by result",
	}, []string{"result"})
	DrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "drain_duration_seconds",
		Help:    "Duration of completed drain passes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	QueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_pending",
		Help: "Messages waiting for delivery",
	})
	QueueFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_failed",
		Help: "Terminally failed messages awaiting retry or discard",
	})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "store_errors_total",
		Help: "Durable store failures by operation",
	}, []string{"op"})
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "online",
		Help: "1 when the connectivity signal reports online",
	})
	CircuitOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "circuit_opened_total",
		Help: "Times the delivery circuit breaker opened",
	})
	RelayProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "relay_processed_total",
		Help: "Messages the server reported as sent from its offline queue",
	})
	RelayFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "relay_failed_total",
		Help: "Messages the server reported as failed from its offline queue",
	})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "Control API requests",
	}, []string{"method", "route", "status"})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "Control API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Registry holds every bizmsg collector plus the Go runtime and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesEnqueued,
		MessagesDelivered,
		MessagesTerminallyFailed,
		MessagesDiscarded,
		DeliveryAttempts,
		DeliveryLatency,
		DrainsTotal,
		DrainDuration,
		QueuePending,
		QueueFailed,
		StoreErrors,
		Online,
		CircuitOpened,
		RelayProcessed,
		RelayFailed,
		HTTPRequests,
		HTTPDuration,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ObserveDelivery records one delivery attempt.
func ObserveDelivery(outcome string, took time.Duration) {
	DeliveryAttempts.WithLabelValues(outcome).Inc()
	if outcome != OutcomeCircuitOpen {
		DeliveryLatency.Observe(took.Seconds())
	}
}

// ObserveDrain records one drain pass. Duration is only observed for completed passes.
func ObserveDrain(result string, took time.Duration) {
	DrainsTotal.WithLabelValues(result).Inc()
	if result == DrainCompleted {
		DrainDuration.Observe(took.Seconds())
	}
}

// SetQueueSizes publishes the current queue gauges.
func SetQueueSizes(pending, failed int) {
	QueuePending.Set(float64(pending))
	QueueFailed.Set(float64(failed))
}

// SetOnline publishes the connectivity gauge.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}

// ObserveHTTP records one control API request.
func ObserveHTTP(method, route string, status int, took time.Duration) {
	HTTPRequests.WithLabelValues(method, route, httpStatusClass(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
