package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_gateway_calls_total",
		Help: "Outbound payment gateway calls by operation and outcome",
	}, []string{"operation", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_gateway_call_duration_seconds",
		Help:    "Latency distribution of outbound payment gateway calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_gateway_token_exchanges_total",
		Help: "Credential exchanges performed by the token cache",
	}, []string{"outcome"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_webhook_deliveries_total",
		Help: "Webhook deliveries by final processing status",
	}, []string{"status"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_reconciliations_total",
		Help: "Reconciliation calls by source and outcome",
	}, []string{"source", "outcome"})
)
