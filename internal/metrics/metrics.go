// Package metrics defines the Prometheus instruments for routing, payments and the ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeadsReceived counts accepted leads by routing path (direct_id, direct_name, zip, none)
	LeadsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_leads_received_total",
		Help: "Accepted leads by routing path",
	}, []string{"path"})

	// Deliveries counts outbound notifications by kind and result
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_deliveries_total",
		Help: "Lead notifications by kind and result",
	}, []string{"kind", "result"})

	// WebhookEvents counts payment events by outcome
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_webhook_events_total",
		Help: "Payment webhook events by outcome",
	}, []string{"outcome"})

	// LedgerMutations counts credit ledger writes by transaction type
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_ledger_mutations_total",
		Help: "Credit ledger transactions by type",
	}, []string{"type"})

	// CreditsMoved sums absolute credits moved by transaction type
	CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_credits_moved_total",
		Help: "Absolute credits moved by transaction type",
	}, []string{"type"})

	// Alerts counts operator alerts by kind
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_alerts_total",
		Help: "Operator alerts by kind",
	}, []string{"kind"})

	// ReconcileDuration tracks webhook reconciliation latency
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadrouter_reconcile_duration_seconds",
		Help:    "Payment webhook reconciliation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	// MaintenanceItems counts rows touched by the maintenance sweep by task
	MaintenanceItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_maintenance_items_total",
		Help: "Rows changed by the maintenance sweep by task",
	}, []string{"task"})

	// HTTPRequests counts API requests by route template, method and status code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadrouter_http_requests_total",
		Help: "API requests by route, method and status",
	}, []string{"route", "method", "status"})

	// HTTPDuration tracks API latency by route template
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadrouter_http_request_duration_seconds",
		Help:    "API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// RateLimited counts requests refused by the public endpoint limiter
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadrouter_rate_limited_total",
		Help: "Requests refused by the public rate limiter",
	})
)
