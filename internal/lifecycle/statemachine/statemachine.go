// Package statemachine is the one place Task.Status is ever written
// (spec.md C4). Every caller that wants to move a task between lifecycle
// states — the dispatcher, the monitor, the orchestrator router, the
// reconciler, the API handlers — goes through Transition, which pairs the
// status write with a typed, auditable activity entry in the same store
// transaction and publishes the resulting task_updated event.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// graph is the guarded transition table: edges[from] is the set of statuses
// from may move to directly. done has no outbound edges.
var graph = map[store.Status]map[store.Status]bool{
	store.StatusInbox: {
		store.StatusPlanning: true,
		store.StatusAssigned: true,
		store.StatusDone:     true,
	},
	store.StatusPlanning: {
		store.StatusInbox:    true,
		store.StatusAssigned: true,
		store.StatusDone:     true,
	},
	store.StatusAssigned: {
		store.StatusInbox:      true,
		store.StatusInProgress: true,
		store.StatusTesting:    true,
		store.StatusReview:     true,
		store.StatusDone:       true,
	},
	store.StatusInProgress: {
		store.StatusAssigned: true,
		store.StatusTesting:  true,
		store.StatusReview:   true,
		store.StatusDone:     true,
	},
	store.StatusTesting: {
		store.StatusAssigned:   true,
		store.StatusInProgress: true,
		store.StatusReview:     true,
		store.StatusDone:       true,
	},
	store.StatusReview: {
		store.StatusAssigned:   true,
		store.StatusInProgress: true,
		store.StatusDone:       true,
	},
	store.StatusDone: {},
}

// Allowed reports whether the guarded graph permits from -> to directly.
// from == to is never "allowed" here; callers handle the no-op/reaffirm
// cases themselves since they don't go through the guard at all.
func Allowed(from, to store.Status) bool {
	if from == to {
		return false
	}
	edges, ok := graph[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Options configures a single Transition call.
type Options struct {
	Actor        string // "system", "user", or an agent id
	Reason       string
	AgentID      string
	Patch        *store.TaskPatch
	Metadata     map[string]any
	BypassGuards bool
}

// Result reports what Transition actually did.
type Result struct {
	OK      bool
	NoOp    bool
	Blocked string // "task_not_found", "invalid_transition", ""
	Task    *store.Task
}

// Engine owns the Store transaction and Bus publish used by every
// Transition call.
type Engine struct {
	store store.Store
	bus   eventbus.Bus
	log   *logging.Logger
}

// New builds a state machine Engine over st, publishing task_updated events
// on bus.
func New(st store.Store, bus eventbus.Bus, log *logging.Logger) *Engine {
	return &Engine{store: st, bus: bus, log: log.With()}
}

// Transition moves task id toward to, subject to the guarded graph, writing
// exactly one ActivityEntry for an applied, reaffirmed or blocked transition
// (none for a no-op or a missing task) and publishing task_updated on success.
// No component outside this function may write Task.Status.
func (e *Engine) Transition(ctx context.Context, id string, to store.Status, opts Options) (Result, error) {
	var result Result

	err := e.store.Transaction(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			result = Result{Blocked: "task_not_found"}
			return nil
		}

		from := task.Status
		patch := opts.Patch
		if patch == nil {
			patch = &store.TaskPatch{}
		}

		if from == to {
			if isEmptyPatch(patch) {
				result = Result{OK: true, NoOp: true, Task: task}
				return nil
			}
			return e.applyReaffirm(ctx, tx, task, *patch, opts, &result)
		}

		if !opts.BypassGuards && !Allowed(from, to) {
			return e.applyBlocked(ctx, tx, task, from, to, opts, &result)
		}

		return e.applyTransition(ctx, tx, task, from, to, *patch, opts, &result)
	})
	if err != nil {
		return Result{}, err
	}

	if result.OK && !result.NoOp && e.bus != nil {
		e.bus.Publish(eventbus.NewEvent(eventbus.KindTaskUpdated, result.Task))
	}
	return result, nil
}

func (e *Engine) applyReaffirm(ctx context.Context, tx store.Tx, task *store.Task, patch store.TaskPatch, opts Options, result *Result) error {
	updated, err := tx.UpdateTask(ctx, task.ID, patch)
	if err != nil {
		return fmt.Errorf("statemachine: reaffirm %s: %w", task.ID, err)
	}

	if err := e.logActivity(ctx, tx, "task_status_reaffirmed", task.ID, opts, map[string]any{
		"status": string(task.Status),
	}); err != nil {
		return err
	}

	*result = Result{OK: true, Task: updated}
	return nil
}

func (e *Engine) applyBlocked(ctx context.Context, tx store.Tx, task *store.Task, from, to store.Status, opts Options, result *Result) error {
	if err := e.logActivity(ctx, tx, "task_transition_blocked", task.ID, opts, map[string]any{
		"from": string(from),
		"to":   string(to),
	}); err != nil {
		return err
	}

	*result = Result{Blocked: "invalid_transition", Task: task}
	return nil
}

func (e *Engine) applyTransition(ctx context.Context, tx store.Tx, task *store.Task, from, to store.Status, patch store.TaskPatch, opts Options, result *Result) error {
	patch.Status = &to

	updated, err := tx.UpdateTask(ctx, task.ID, patch)
	if err != nil {
		return fmt.Errorf("statemachine: transition %s %s->%s: %w", task.ID, from, to, err)
	}

	meta := map[string]any{
		"from":    string(from),
		"to":      string(to),
		"actor":   opts.Actor,
		"reason":  opts.Reason,
		"guarded": !opts.BypassGuards,
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if err := e.logActivity(ctx, tx, "task_status_changed", task.ID, opts, meta); err != nil {
		return err
	}

	*result = Result{OK: true, Task: updated}
	return nil
}

func (e *Engine) logActivity(ctx context.Context, tx store.Tx, kind, taskID string, opts Options, meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("statemachine: marshal activity metadata: %w", err)
	}

	var agentID *string
	if opts.AgentID != "" {
		agentID = &opts.AgentID
	}

	entry := &store.ActivityEntry{
		ID:        uuid.New().String(),
		Type:      kind,
		TaskID:    &taskID,
		AgentID:   agentID,
		Message:   kind,
		Metadata:  raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.LogActivity(ctx, entry); err != nil {
		return fmt.Errorf("statemachine: log activity for %s: %w", taskID, err)
	}
	return nil
}

func isEmptyPatch(p *store.TaskPatch) bool {
	if p == nil {
		return true
	}
	return *p == store.TaskPatch{}
}

// Err wraps a blocked Result into a TransitionError, for callers (API
// handlers) that want a single error return rather than a Result to branch
// on.
func Err(from, to store.Status, blocked string) error {
	if blocked == "" {
		return nil
	}
	if blocked == "task_not_found" {
		return fmt.Errorf("task %w", apperrors.ErrNotFound)
	}
	return &apperrors.TransitionError{From: string(from), To: string(to), Kind: "topology"}
}
