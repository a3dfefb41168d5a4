package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticket_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicketsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_issued_total",
			Help: "Total tickets issued",
		},
	)

	InventoryConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_inventory_conflicts_total",
			Help: "Total inventory adjustments rejected for insufficient capacity",
		},
	)

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_scans_total",
			Help: "Total entry validation attempts",
		},
		[]string{"result"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_transfers_total",
			Help: "Total transfer requests by outcome",
		},
		[]string{"outcome"},
	)

	DiscrepanciesFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_ledger_discrepancies_total",
			Help: "Total reconciler-detected discrepancies",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticket_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticket_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
