package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Total number of checkouts created",
	}, []string{"gateway", "purchase_type"})

	InvoiceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_invoice_latency_seconds",
		Help:    "Latency of provider invoice creation",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of provider invoice failures",
	}, []string{"gateway"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of provider webhooks by outcome",
	}, []string{"gateway", "outcome"})

	LedgerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transitions_total",
		Help: "Total number of applied transaction status transitions",
	}, []string{"from", "to"})

	LedgerRejectedTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rejected_transitions_total",
		Help: "Total number of rejected transitions between terminal statuses",
	})

	StaleTransactionsCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stale_transactions_canceled_total",
		Help: "Total number of pending transactions canceled by the sweep",
	})

	FulfillmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillments_total",
		Help: "Total number of fulfillments by purchase type and result",
	}, []string{"purchase_type", "result"})

	PanelRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "panel_request_latency_seconds",
		Help:    "Latency of panel API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	TrialsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trials_issued_total",
		Help: "Total number of trial subscriptions issued",
	})

	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_processed_total",
		Help: "Total number of task executions by outcome",
	}, []string{"task", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Task handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	BroadcastDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_deliveries_total",
		Help: "Total number of broadcast deliveries by status",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
