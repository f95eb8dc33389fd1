package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_intent_transitions_total",
			Help: "Total number of persisted intent state transitions",
		},
		[]string{"kind", "from", "to"},
	)

	submitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_ledger_submit_duration_seconds",
			Help:    "Duration of ledger submit calls by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)
