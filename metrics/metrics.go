// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bourse"

type Metrics struct {
	OrdersAccepted        *prometheus.CounterVec
	OrdersRejected        *prometheus.CounterVec
	OrdersExpired         prometheus.Counter
	TradesExecuted        prometheus.Counter
	SettlementOutcomes    *prometheus.CounterVec
	SettlementDuration    *prometheus.HistogramVec
	ReconciliationPending prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders accepted into a book.",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before book entry.",
		}, []string{"reason"}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_expired_total",
			Help:      "Orders expired by the sweep.",
		}),
		TradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Trades produced by matching.",
		}),
		SettlementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_outcomes_total",
			Help:      "Terminal settlement outcomes by status.",
		}, []string{"status"}),
		SettlementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time from dispatch to settlement outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		ReconciliationPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_pending",
			Help:      "Trades waiting for operator reconciliation.",
		}),
	}
	reg.MustRegister(
		m.OrdersAccepted,
		m.OrdersRejected,
		m.OrdersExpired,
		m.TradesExecuted,
		m.SettlementOutcomes,
		m.SettlementDuration,
		m.ReconciliationPending,
	)
	return m
}

// NewNop returns collectors bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
