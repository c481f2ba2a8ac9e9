// Package reconciler implements the Reconciler (spec.md C9): a
// deterministic, idempotent pass over active tasks that cross-checks the
// Store's recorded status against runtime evidence observed on the Gateway
// Adapter and corrects drift. Grounded on the teacher's
// orchestrator/scheduler.Scheduler processLoop ticker pattern, simplified
// to a single synchronous pass rather than a queue-draining loop since the
// Reconciler has no work item queue of its own — it re-derives everything
// from the Store on each run.
package reconciler

import (
	"context"
	"time"

	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/metrics"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// Report summarizes one Run pass.
type Report struct {
	Checked     int
	Reconciled  []string // task IDs whose status was corrected
}

// Reconciler owns the periodic drift-correction pass.
type Reconciler struct {
	store   store.Store
	gateway gateway.Client
	machine *statemachine.Engine
	log     *logging.Logger
}

// New builds a Reconciler over its collaborators.
func New(st store.Store, gw gateway.Client, machine *statemachine.Engine, log *logging.Logger) *Reconciler {
	return &Reconciler{store: st, gateway: gw, machine: machine, log: log.With()}
}

// Run executes one deterministic pass over every task in {assigned,
// in_progress}, per spec.md §4.9. It is safe to call concurrently with
// itself and with any other lifecycle operation: every write still goes
// through the State Machine's transactional Transition, so a reconcile
// racing a monitor ack simply produces at most one real write (LAW-3).
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	report := Report{}
	defer func() { metrics.ObserveReconcile(time.Since(started), len(report.Reconciled)) }()

	var active []*store.Task
	for _, status := range []store.Status{store.StatusAssigned, store.StatusInProgress} {
		tasks, err := r.store.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return report, err
		}
		active = append(active, tasks...)
	}
	for _, task := range active {
		report.Checked++
		if r.reconcileOne(ctx, task) {
			report.Reconciled = append(report.Reconciled, task.ID)
		}
	}

	return report, nil
}

// reconcileOne derives task's expected status from gateway evidence and
// transitions it (guarded) if it differs from the observed status. Returns
// true iff a transition actually wrote a new status.
func (r *Reconciler) reconcileOne(ctx context.Context, task *store.Task) bool {
	if task.OpenclawSessionKey == nil || *task.OpenclawSessionKey == "" {
		return false
	}

	expected := r.expectedStatus(ctx, task)
	if expected == task.Status {
		return false
	}

	result, err := r.machine.Transition(ctx, task.ID, expected, statemachine.Options{
		Actor:  "system",
		Reason: "task_reconciled",
	})
	if err != nil {
		r.log.WithTaskID(task.ID).WithError(err).Warn("reconciler: transition failed")
		return false
	}
	if !result.OK || result.NoOp {
		return false
	}

	r.store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "task_reconciled",
		TaskID:  &task.ID,
		Message: "expected status " + string(expected) + " derived from gateway evidence",
	})
	return true
}

// expectedStatus implements spec.md §4.9's derivation: in_progress if
// assistant messages beyond the dispatch baseline exist and (when a
// timestamp is available) the newest one is at-or-after dispatch_started_at;
// otherwise assigned.
func (r *Reconciler) expectedStatus(ctx context.Context, task *store.Task) store.Status {
	history, err := r.gateway.GetChatHistory(ctx, *task.OpenclawSessionKey)
	if err != nil {
		r.log.WithTaskID(task.ID).WithError(err).Warn("reconciler: fetch chat history failed")
		return task.Status
	}

	baseline := 0
	if task.DispatchMessageCountStart != nil {
		baseline = *task.DispatchMessageCountStart
	}

	count := 0
	var latest *gateway.Message
	for i := range history {
		if history[i].Role != gateway.RoleAssistant {
			continue
		}
		count++
		latest = &history[i]
	}

	if count <= baseline {
		return store.StatusAssigned
	}

	if task.DispatchStartedAt != nil && latest != nil && latest.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, latest.Timestamp); err == nil && ts.Before(*task.DispatchStartedAt) {
			return store.StatusAssigned
		}
	}

	return store.StatusInProgress
}
