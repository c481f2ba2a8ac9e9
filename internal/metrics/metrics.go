// Package metrics defines Mission Control's prometheus/client_golang
// instrumentation: counters and histograms for the lifecycle engine's hot
// paths (dispatch attempts, completion-gate outcomes, poll latency,
// reconciler passes) plus the `/metrics` HTTP handler that exposes them.
//
// No repository in the example corpus wires client_golang past listing it
// in go.mod (one repo imports it only from a generated/test file), so there
// is no teacher call-site to adapt here; this package follows
// client_golang's own documented promauto/Collector conventions instead
// (see DESIGN.md).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "missioncontrol"

var (
	// DispatchAttempts counts every Dispatcher.Dispatch call by outcome
	// ("dispatched", "deduped", "error").
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "attempts_total",
		Help:      "Dispatch attempts by outcome.",
	}, []string{"outcome"})

	// CompletionGateDecisions counts every completiongate.Evaluate call by
	// its CompletionReason (spec.md C5).
	CompletionGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "completion_gate",
		Name:      "decisions_total",
		Help:      "Completion gate decisions by reason.",
	}, []string{"reason"})

	// PollLatency observes how long each Agent Task Monitor poll tick took
	// to fetch and evaluate chat history.
	PollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "poll_duration_seconds",
		Help:      "Duration of a single monitor poll tick.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	// ReconcileDuration observes the wall-clock duration of a full
	// Reconciler.Run pass.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "run_duration_seconds",
		Help:      "Duration of a full Reconciler.Run pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// ReconciledTasks counts tasks whose status a Reconciler.Run pass
	// corrected.
	ReconciledTasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "reconciled_tasks_total",
		Help:      "Tasks whose status a reconcile pass corrected.",
	})

	// OrchestratorDecisions counts Orchestrator Router decisions by the
	// Action it chose (spec.md C8).
	OrchestratorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "decisions_total",
		Help:      "Orchestrator Router decisions by action.",
	}, []string{"action"})
)

// ObserveReconcile records one Reconciler.Run pass's duration and the
// number of tasks it corrected.
func ObserveReconcile(d time.Duration, reconciled int) {
	ReconcileDuration.Observe(d.Seconds())
	ReconciledTasks.Add(float64(reconciled))
}
