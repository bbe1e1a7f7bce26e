package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	spotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_transitions_total",
		Help: "Durable spot transitions grouped by last action.",
	}, []string{"action"})

	reconcileRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spot_reconcile_retries_total",
		Help: "Transactions recomputed after a concurrent modification.",
	})

	mirrorSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spot_mirror_suppressed_total",
		Help: "Mirror writes withheld because a reservation owns the spot.",
	})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Sweep invocations grouped by outcome.",
	}, []string{"result"})

	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_expired_total",
		Help: "Bookings force-expired by the sweep.",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Time spent in one sweep invocation.",
		Buckets: prometheus.DefBuckets,
	})
)
