package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	realtimeSessionsActive    prometheus.Gauge
	realtimeSessionsTotal     prometheus.Counter
	subscriptionDecisions     *prometheus.CounterVec
	fanoutDeliveriesTotal     *prometheus.CounterVec
	sessionQueueOverflows     prometheus.Counter
	messagesSentTotal         *prometheus.CounterVec
	typingEventsTotal         *prometheus.CounterVec
	typingIndicatorsReaped    prometheus.Counter
	relayEventsTotal          *prometheus.CounterVec
	attachmentUploadsTotal    *prometheus.CounterVec
	attachmentUploadLatencies prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the realtime broker.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total number of messaging API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messaging_http_latency_seconds",
			Help:    "Latency distribution for messaging API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_http_errors_total",
			Help: "Total number of error responses returned by messaging endpoints.",
		}, []string{"method", "route", "status"})

		realtimeSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Number of currently connected realtime sessions.",
		})

		realtimeSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_sessions_total",
			Help: "Total number of realtime sessions accepted.",
		})

		subscriptionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_subscription_decisions_total",
			Help: "Channel authorization decisions by channel kind and outcome.",
		}, []string{"kind", "decision"})

		fanoutDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_fanout_deliveries_total",
			Help: "Frames enqueued to subscriber sessions by channel kind.",
		}, []string{"kind"})

		sessionQueueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_session_queue_overflows_total",
			Help: "Frames evicted from full session queues.",
		})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_messages_sent_total",
			Help: "Messages durably stored and fanned out, by type.",
		}, []string{"type"})

		typingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_typing_events_total",
			Help: "Typing state changes broadcast, by state.",
		}, []string{"state"})

		typingIndicatorsReaped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_typing_indicators_reaped_total",
			Help: "Stale typing indicators removed by the sweeper.",
		})

		relayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_relay_events_total",
			Help: "Cluster relay events by transport and direction.",
		}, []string{"transport", "direction"})

		attachmentUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_attachment_uploads_total",
			Help: "Attachment upload attempts by result.",
		}, []string{"result"})

		attachmentUploadLatencies = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "messaging_attachment_upload_seconds",
			Help:    "Attachment upload latency.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			realtimeSessionsActive, realtimeSessionsTotal, subscriptionDecisions,
			fanoutDeliveriesTotal, sessionQueueOverflows, messagesSentTotal,
			typingEventsTotal, typingIndicatorsReaped, relayEventsTotal,
			attachmentUploadsTotal, attachmentUploadLatencies,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// SessionsActive tracks connected realtime sessions.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return realtimeSessionsActive
}

// SessionsTotal counts accepted realtime sessions.
func SessionsTotal() prometheus.Counter {
	RegisterMetrics()
	return realtimeSessionsTotal
}

// SubscriptionDecisions counts allow/deny outcomes of the authorization gate.
func SubscriptionDecisions() *prometheus.CounterVec {
	RegisterMetrics()
	return subscriptionDecisions
}

// FanoutDeliveries counts frames handed to subscriber queues.
func FanoutDeliveries() *prometheus.CounterVec {
	RegisterMetrics()
	return fanoutDeliveriesTotal
}

// QueueOverflows counts frames evicted by the drop-oldest policy.
func QueueOverflows() prometheus.Counter {
	RegisterMetrics()
	return sessionQueueOverflows
}

// MessagesSent counts durable message sends.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// TypingEvents counts typing broadcasts.
func TypingEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return typingEventsTotal
}

// TypingReaped counts indicators removed by the sweeper.
func TypingReaped() prometheus.Counter {
	RegisterMetrics()
	return typingIndicatorsReaped
}

// RelayEvents counts cluster relay traffic.
func RelayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return relayEventsTotal
}

// AttachmentUploads counts attachment upload outcomes.
func AttachmentUploads() *prometheus.CounterVec {
	RegisterMetrics()
	return attachmentUploadsTotal
}

// AttachmentUploadLatency observes attachment upload duration.
func AttachmentUploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return attachmentUploadLatencies
}
