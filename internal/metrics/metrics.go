// Package metrics registers the process-wide Prometheus collectors.
// Engines increment these directly; the /metrics endpoint is mounted by
// the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeltasApplied counts successful world-state deltas.
	DeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "kernel",
		Name: "deltas_applied_total", Help: "Successfully applied world-state deltas.",
	})

	// DeltaFailures counts rejected deltas by failure kind.
	DeltaFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "kernel",
		Name: "delta_failures_total", Help: "Rejected world-state deltas by failure kind.",
	}, []string{"kind"})

	// SnapshotsTaken counts world-state snapshots.
	SnapshotsTaken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "kernel",
		Name: "snapshots_total", Help: "World-state snapshots taken.",
	})

	// PlanDuration observes scheduler plan generation latency.
	PlanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "theatreos", Subsystem: "scheduler",
		Name: "plan_duration_seconds", Help: "Hour-plan generation latency.",
		Buckets: prometheus.DefBuckets,
	})

	// PlansGenerated counts generated hour plans by source.
	PlansGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "scheduler",
		Name: "plans_generated_total", Help: "Hour plans generated, by source.",
	}, []string{"source"})

	// VotesCast counts accepted gate votes.
	VotesCast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "gate",
		Name: "votes_cast_total", Help: "Accepted gate votes (including supersedes).",
	})

	// StakesPlaced counts accepted gate stakes.
	StakesPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "gate",
		Name: "stakes_placed_total", Help: "Accepted gate stakes.",
	})

	// GatesResolved counts gates by terminal state (resolved, cancelled).
	GatesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "gate",
		Name: "gates_finished_total", Help: "Gates reaching a terminal state.",
	}, []string{"state"})

	// RealtimeClients gauges currently connected realtime subscribers.
	RealtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "theatreos", Subsystem: "realtime",
		Name: "clients", Help: "Currently connected realtime subscribers.",
	})

	// RealtimeDropped counts events dropped by slow-subscriber overflow.
	RealtimeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "realtime",
		Name: "dropped_events_total", Help: "Events dropped due to subscriber queue overflow.",
	})

	// RealtimeDelivered counts events delivered to subscriber queues.
	RealtimeDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "realtime",
		Name: "delivered_events_total", Help: "Events enqueued to subscriber queues.",
	})

	// SweeperExpired counts entities expired by the background sweeper.
	SweeperExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "theatreos", Subsystem: "sweeper",
		Name: "expired_total", Help: "Entities transitioned to expired by the sweeper.",
	}, []string{"entity"})
)
