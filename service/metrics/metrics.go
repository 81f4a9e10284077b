package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Every Record helper is safe to call on a nil *Metrics.
type Metrics struct {
	// Payment provider metrics
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	webhookEventsTotal   *prometheus.CounterVec

	// Payment reconciliation metrics
	checkoutsTotal          *prometheus.CounterVec
	paymentObservations     *prometheus.CounterVec
	walletCreditsTotal      *prometheus.CounterVec
	walletCreditAmountTotal *prometheus.CounterVec

	// Confirmation workflow metrics
	confirmWorkflowDuration   *prometheus.HistogramVec
	confirmWorkflowExecutions *prometheus.CounterVec
	confirmActivityDuration   *prometheus.HistogramVec

	// Fleet metrics
	expensesTotal    *prometheus.CounterVec
	tripsTotal       *prometheus.CounterVec
	returnLoadsTotal *prometheus.CounterVec

	// Route optimizer metrics
	llmCallsTotal   *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_provider_calls_total",
				Help: "Total number of payment provider API calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_provider_call_duration_seconds",
				Help:    "Duration of payment provider API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		webhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhook_events_total",
				Help: "Total number of payment webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),

		checkoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_checkouts_total",
				Help: "Total number of checkout sessions created by package and status",
			},
			[]string{"package", "status"},
		),
		paymentObservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_status_observations_total",
				Help: "Total number of payment status observations by source and payment status",
			},
			[]string{"source", "payment_status"},
		),
		walletCreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_credits_total",
				Help: "Total number of wallet top-ups applied",
			},
			[]string{"package", "source"},
		),
		walletCreditAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_credit_amount_total",
				Help: "Total amount credited to driver wallets",
			},
			[]string{"currency"},
		),

		confirmWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirm_workflow_duration_seconds",
				Help:    "Duration of payment confirmation workflows in seconds",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		confirmWorkflowExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confirm_workflow_executions_total",
				Help: "Total number of payment confirmation workflows by status and reason",
			},
			[]string{"status", "reason"},
		),
		confirmActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirm_activity_duration_seconds",
				Help:    "Duration of payment confirmation activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"activity", "status"},
		),

		expensesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expenses_total",
				Help: "Total number of expense submissions by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		tripsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trip_status_changes_total",
				Help: "Total number of trip status changes by target status",
			},
			[]string{"status"},
		),
		returnLoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "return_load_events_total",
				Help: "Total number of return load postings and booking attempts by outcome",
			},
			[]string{"event", "outcome"},
		),

		llmCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "route_optimizer_calls_total",
				Help: "Total number of route optimizer LLM calls by status",
			},
			[]string{"model", "status"},
		),
		llmCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "route_optimizer_call_duration_seconds",
				Help:    "Duration of route optimizer LLM calls in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
			},
			[]string{"model"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"stream", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"stream"},
		),
	}
}

// Payment provider metric helpers

// RecordProviderCall records a payment provider API call with duration.
func (m *Metrics) RecordProviderCall(operation string, err error, duration float64) {
	if m == nil {
		return
	}
	m.providerCallsTotal.WithLabelValues(operation, errorStatus(err)).Inc()
	m.providerCallDuration.WithLabelValues(operation).Observe(duration)
}

// RecordWebhookEvent records a received webhook event.
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// Payment reconciliation metric helpers

// RecordCheckout records a checkout session creation attempt.
func (m *Metrics) RecordCheckout(pkg string, err error) {
	if m == nil {
		return
	}
	m.checkoutsTotal.WithLabelValues(pkg, errorStatus(err)).Inc()
}

// RecordPaymentObservation records one observation of a session's payment status.
func (m *Metrics) RecordPaymentObservation(source, paymentStatus string) {
	if m == nil {
		return
	}
	m.paymentObservations.WithLabelValues(source, paymentStatus).Inc()
}

// RecordWalletCredit records a wallet top-up.
func (m *Metrics) RecordWalletCredit(pkg, source, currency string, amount float64) {
	if m == nil {
		return
	}
	m.walletCreditsTotal.WithLabelValues(pkg, source).Inc()
	m.walletCreditAmountTotal.WithLabelValues(currency).Add(amount)
}

// Confirmation workflow metric helpers

// RecordWorkflowDuration records a finished confirmation workflow.
func (m *Metrics) RecordWorkflowDuration(status, reason string, duration float64) {
	if m == nil {
		return
	}
	m.confirmWorkflowDuration.WithLabelValues(status).Observe(duration)
	m.confirmWorkflowExecutions.WithLabelValues(status, reason).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, err error, duration float64) {
	if m == nil {
		return
	}
	m.confirmActivityDuration.WithLabelValues(activity, errorStatus(err)).Observe(duration)
}

// Fleet metric helpers

// RecordExpense records an expense submission and its outcome
// ("approved", "limit_exceeded", "insufficient_balance", "error").
func (m *Metrics) RecordExpense(category, outcome string) {
	if m == nil {
		return
	}
	m.expensesTotal.WithLabelValues(category, outcome).Inc()
}

// RecordTripStatus records a trip status change.
func (m *Metrics) RecordTripStatus(status string) {
	if m == nil {
		return
	}
	m.tripsTotal.WithLabelValues(status).Inc()
}

// RecordReturnLoad records a return load event ("posted", "booked") and its
// outcome ("ok", "unavailable", "own_load", "error").
func (m *Metrics) RecordReturnLoad(event, outcome string) {
	if m == nil {
		return
	}
	m.returnLoadsTotal.WithLabelValues(event, outcome).Inc()
}

// Route optimizer metric helpers

// RecordLLMCall records a route optimizer call with duration.
func (m *Metrics) RecordLLMCall(model string, err error, duration float64) {
	if m == nil {
		return
	}
	m.llmCallsTotal.WithLabelValues(model, errorStatus(err)).Inc()
	m.llmCallDuration.WithLabelValues(model).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation. Labelled by stream,
// not subject, since subjects carry session ids.
func (m *Metrics) RecordNATSPublish(stream string, err error, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(stream, errorStatus(err)).Inc()
	m.natsPublishDuration.WithLabelValues(stream).Observe(duration)
}

// Helper functions

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
