package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// Every Record/Set method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Session Metrics
	sessionsCreatedTotal *prometheus.CounterVec
	sessionsEndedTotal   *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionDuration      *prometheus.HistogramVec

	// Billing Metrics
	billingTicksTotal   *prometheus.CounterVec
	chargedCentsTotal   *prometheus.CounterVec
	giftsTotal          prometheus.Counter
	ledgerErrorsTotal   *prometheus.CounterVec
	lowBalanceWarnTotal prometheus.Counter

	// Signaling Metrics
	websocketConnections prometheus.Gauge
	signalingMessages    *prometheus.CounterVec
	signalingRooms       prometheus.Gauge

	// Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
	webhookDeliveriesTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Current number of HTTP requests being processed",
				ConstLabels: labels,
			},
		),

		sessionsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sessions_created_total",
				Help:        "Total number of sessions created",
				ConstLabels: labels,
			},
			[]string{"channel", "mode"},
		),
		sessionsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sessions_ended_total",
				Help:        "Total number of sessions ended by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "sessions_live",
				Help:        "Sessions currently held by the registry",
				ConstLabels: labels,
			},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "session_duration_seconds",
				Help:        "Session duration from media start to end",
				ConstLabels: labels,
				Buckets:     []float64{30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"channel"},
		),

		billingTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "billing_ticks_total",
				Help:        "Billing settlements by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		chargedCentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "charged_cents_total",
				Help:        "Minor units charged by ledger entry kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		giftsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "gifts_total",
				Help:        "Total number of gifts sent",
				ConstLabels: labels,
			},
		),
		ledgerErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ledger_errors_total",
				Help:        "Ledger failures by operation",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		lowBalanceWarnTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "low_balance_warnings_total",
				Help:        "Low balance warnings emitted",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Current number of signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		signalingMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Signaling messages by type and outcome",
				ConstLabels: labels,
			},
			[]string{"type", "outcome"},
		),
		signalingRooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_rooms",
				Help:        "Rooms with a running actor",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Offline push notifications by event and status",
				ConstLabels: labels,
			},
			[]string{"event", "status"},
		),
		webhookDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "webhook_deliveries_total",
				Help:        "Webhook deliveries by event and status",
				ConstLabels: labels,
			},
			[]string{"event", "status"},
		),
	}

	return m
}

// GetRegistry returns the registry backing /metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Registerer exposes the registry for components that own their collectors
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// Session Metrics Methods

// RecordSessionCreated counts a new session
func (m *Metrics) RecordSessionCreated(channel, mode string) {
	if m == nil {
		return
	}
	m.sessionsCreatedTotal.WithLabelValues(channel, mode).Inc()
	m.sessionsActive.Inc()
}

// RecordSessionEnded counts a finalized session
func (m *Metrics) RecordSessionEnded(channel, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsEndedTotal.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
	if duration > 0 {
		m.sessionDuration.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

// Billing Metrics Methods

// RecordBillingTick counts a settlement; outcome is charged, partial, empty or error
func (m *Metrics) RecordBillingTick(outcome string) {
	if m == nil {
		return
	}
	m.billingTicksTotal.WithLabelValues(outcome).Inc()
}

// RecordCharge adds charged minor units
func (m *Metrics) RecordCharge(kind string, cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.chargedCentsTotal.WithLabelValues(kind).Add(float64(cents))
}

// RecordGift counts a gift
func (m *Metrics) RecordGift() {
	if m == nil {
		return
	}
	m.giftsTotal.Inc()
}

// RecordLedgerError counts a failed ledger operation
func (m *Metrics) RecordLedgerError(operation string) {
	if m == nil {
		return
	}
	m.ledgerErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordLowBalance counts a low-balance warning
func (m *Metrics) RecordLowBalance() {
	if m == nil {
		return
	}
	m.lowBalanceWarnTotal.Inc()
}

// Signaling Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordSignalingMessage records a signaling message; outcome is relayed, dropped or rejected
func (m *Metrics) RecordSignalingMessage(msgType, outcome string) {
	if m == nil {
		return
	}
	m.signalingMessages.WithLabelValues(msgType, outcome).Inc()
}

// SetSignalingRooms sets the number of running rooms
func (m *Metrics) SetSignalingRooms(count int) {
	if m == nil {
		return
	}
	m.signalingRooms.Set(float64(count))
}

// Notification Metrics Methods

// RecordPushNotification records an offline push attempt
func (m *Metrics) RecordPushNotification(event, status string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(event, status).Inc()
}

// RecordWebhookDelivery records a webhook attempt
func (m *Metrics) RecordWebhookDelivery(event, status string) {
	if m == nil {
		return
	}
	m.webhookDeliveriesTotal.WithLabelValues(event, status).Inc()
}
