package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_reconcile_runs_total",
			Help: "Total number of reconciliation passes by result",
		},
		[]string{"result"},
	)

	reconcileEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_reconcile_events_total",
			Help: "Ledger events processed by match outcome",
		},
		[]string{"outcome"},
	)

	divergences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_divergences_total",
			Help: "Divergence alerts raised by kind",
		},
		[]string{"kind"},
	)

	cursorBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlement_event_cursor_block",
			Help: "Block number of the last reconciled ledger event",
		},
	)
)
