// Package dispatcher implements the Dispatcher (spec.md C6): the component
// that claims an agent slot on a task and sends it into the chat gateway.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/monitor"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/promptbuilder"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/sessionkey"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/metrics"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// Dispatcher claims an agent slot on a task and sends it into the chat
// gateway. ackTimeout bounds the "awaiting_first_activity_ack" dedupe
// window; set from internal/config's workflow.FirstActivityAckTimeout at
// wiring time.
type Dispatcher struct {
	store     store.Store
	gateway   gateway.Client
	bus       eventbus.Bus
	monitors  *monitor.Registry
	machine   *statemachine.Engine
	log       *logging.Logger

	ackTimeout time.Duration
}

// New builds a Dispatcher over its collaborators.
func New(st store.Store, gw gateway.Client, bus eventbus.Bus, monitors *monitor.Registry, machine *statemachine.Engine, log *logging.Logger, ackTimeout time.Duration) *Dispatcher {
	return &Dispatcher{store: st, gateway: gw, bus: bus, monitors: monitors, machine: machine, log: log.With(), ackTimeout: ackTimeout}
}

// Request is a dispatch or rework request (spec.md §4.6).
type Request struct {
	TaskID   string
	AgentID  string
	Feedback string // non-empty marks this a rework dispatch
	Model    string
	Provider string
}

// DedupeReason enumerates why a dispatch was short-circuited as a duplicate.
type DedupeReason string

const (
	DedupeNone                     DedupeReason = ""
	DedupeActiveMonitor            DedupeReason = "active_monitor"
	DedupeAlreadyInProgress        DedupeReason = "already_in_progress"
	DedupeAwaitingFirstActivityAck DedupeReason = "awaiting_first_activity_ack"
	DedupeConcurrentDispatchRace   DedupeReason = "concurrent_dispatch_race"
)

// Result is Dispatch's outcome.
type Result struct {
	Deduped      bool
	DedupeReason DedupeReason
	DispatchID   string
	Task         *store.Task
}

// decideDedupe is the pure dedupe decision of spec.md §4.6 step 6
// (properties LAW-1/DED-1): given the requested agent, the task's current
// assignment and status, whether a monitor is already active for the pair,
// and how long ago the current dispatch claim started, decide whether to
// skip dispatch entirely.
func decideDedupe(requestedAgentID string, task *store.Task, monitorActive bool, now time.Time, ackTimeout time.Duration) DedupeReason {
	if task.AssignedAgentID == nil || *task.AssignedAgentID != requestedAgentID {
		return DedupeNone
	}
	if monitorActive {
		return DedupeActiveMonitor
	}
	if task.Status == store.StatusInProgress {
		return DedupeAlreadyInProgress
	}
	if task.Status == store.StatusAssigned && task.DispatchStartedAt != nil {
		if now.Sub(*task.DispatchStartedAt) < ackTimeout {
			return DedupeAwaitingFirstActivityAck
		}
	}
	return DedupeNone
}

// Dispatch sends task taskID to agentID, implementing spec.md §4.6 steps
// 1-12.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	task, err := d.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatcher: load task %s: %w", req.TaskID, err)
	}

	originalStatus := task.Status
	sessKey := sessionkey.For(req.AgentID, req.TaskID)
	if task.OpenclawSessionKey != nil && *task.OpenclawSessionKey != "" {
		sessKey = *task.OpenclawSessionKey
	}

	if req.Feedback != "" {
		d.store.AddComment(ctx, &store.Comment{
			TaskID:     req.TaskID,
			AuthorType: store.CommentAuthorUser,
			Content:    req.Feedback,
		})
		d.store.LogActivity(ctx, &store.ActivityEntry{
			Type:    "task_rework",
			TaskID:  &req.TaskID,
			Message: "task re-dispatched with feedback",
		})
	}

	monitorActive := d.monitors.ActiveFor(req.TaskID, req.AgentID)
	if reason := decideDedupe(req.AgentID, task, monitorActive, time.Now().UTC(), d.ackTimeout); reason != DedupeNone {
		metrics.DispatchAttempts.WithLabelValues("deduped").Inc()
		return Result{Deduped: true, DedupeReason: reason, DispatchID: derefOr(task.DispatchID), Task: task}, nil
	}

	dispatchID := uuid.New().String()
	dispatchStartedAt := time.Now().UTC()

	var claimed *store.Task
	var raceReason DedupeReason
	err = d.store.Transaction(ctx, func(ctx context.Context, tx store.Tx) error {
		fresh, err := tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if fresh.DispatchID != nil && fresh.AssignedAgentID != nil && *fresh.AssignedAgentID == req.AgentID &&
			(fresh.Status == store.StatusAssigned || fresh.Status == store.StatusInProgress ||
				*fresh.DispatchID != derefOr(task.DispatchID)) {
			claimed = fresh
			raceReason = DedupeConcurrentDispatchRace
			return nil
		}

		agentID := req.AgentID
		updated, err := tx.UpdateTask(ctx, req.TaskID, store.TaskPatch{
			DispatchID:         &dispatchID,
			DispatchStartedAt:  &dispatchStartedAt,
			AssignedAgentID:    &agentID,
			OpenclawSessionKey: &sessKey,
		})
		if err != nil {
			return err
		}
		claimed = updated
		return nil
	})
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("dispatcher: claim slot for %s: %w", req.TaskID, err)
	}
	if raceReason != DedupeNone {
		metrics.DispatchAttempts.WithLabelValues("deduped").Inc()
		return Result{Deduped: true, DedupeReason: raceReason, DispatchID: derefOr(claimed.DispatchID), Task: claimed}, nil
	}

	baseline := d.assistantCount(ctx, sessKey)

	result, err := d.machine.Transition(ctx, req.TaskID, store.StatusAssigned, statemachine.Options{
		Actor:   "system",
		Reason:  "dispatch",
		AgentID: req.AgentID,
		Patch: &store.TaskPatch{
			DispatchMessageCountStart: &baseline,
		},
		BypassGuards: true,
	})
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("dispatcher: baseline transition for %s: %w", req.TaskID, err)
	}

	if req.Model != "" || req.Provider != "" {
		patch := gateway.SessionPatch{}
		if req.Model != "" {
			patch.Model = &req.Model
		}
		if req.Provider != "" {
			patch.Provider = &req.Provider
		}
		if err := d.gateway.PatchSession(ctx, sessKey, patch); err != nil {
			d.log.WithError(err).Warn("dispatcher: session patch failed, continuing")
		}
	}

	var prompt string
	if req.Feedback != "" {
		prompt = promptbuilder.Rework(task.Title, task.Description, req.Feedback, dispatchID)
	} else {
		prompt = promptbuilder.Dispatch(task.Title, task.Description, dispatchID)
	}

	if err := d.gateway.SendMessage(ctx, sessKey, prompt); err != nil {
		d.revert(ctx, req.TaskID, req.AgentID, originalStatus)
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("dispatcher: send to %s: %w", sessKey, err)
	}

	d.monitors.StartMonitoring(ctx, monitor.StartParams{
		TaskID:                 req.TaskID,
		SessionKey:             sessKey,
		AgentID:                req.AgentID,
		DispatchID:             dispatchID,
		DispatchStartedAt:      dispatchStartedAt,
		BaselineAssistantCount: baseline,
	})

	if d.bus != nil {
		d.bus.Publish(eventbus.NewEvent(eventbus.KindTaskUpdated, result.Task))
	}

	metrics.DispatchAttempts.WithLabelValues("dispatched").Inc()
	return Result{DispatchID: dispatchID, Task: result.Task}, nil
}

// revert reverts a failed send: transitions back to priorStatus (the
// status the task had before this dispatch's baseline transition claimed
// it) and clears the dispatch claim entirely, per spec.md §4.6 step 11 —
// leaving a stale claim in place would cause false dedupes on the next
// dispatch attempt.
func (d *Dispatcher) revert(ctx context.Context, taskID, agentID string, priorStatus store.Status) {
	_, err := d.machine.Transition(ctx, taskID, priorStatus, statemachine.Options{
		Actor:        "system",
		Reason:       "dispatch_send_failed",
		AgentID:      agentID,
		BypassGuards: true,
		Patch: &store.TaskPatch{
			ClearDispatch: true,
		},
	})
	if err != nil {
		d.log.WithTaskID(taskID).WithError(err).Error("dispatcher: revert after send failure also failed")
	}
}

func (d *Dispatcher) assistantCount(ctx context.Context, sessionKey string) int {
	history, err := d.gateway.GetChatHistory(ctx, sessionKey)
	if err != nil {
		return 0
	}
	count := 0
	for _, msg := range history {
		if msg.Role == gateway.RoleAssistant {
			count++
		}
	}
	return count
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
