// Package planning implements the Planning Controller (spec.md C10): the
// question-and-answer loop a task runs through before an agent is dispatched
// against it. Grounded on the teacher's orchestrator/executor turn-taking
// (shared with the Orchestrator Router) and reusing its jsonreply extraction
// helper rather than duplicating it, per spec.md §4.10.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/dispatcher"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/jsonreply"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/orchestrator"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/sessionkey"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// Message is one turn of a task's planning conversation, persisted as a
// JSON array in Task.PlanningMessages.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is Poll's result: what changed in the planning conversation after
// one pass over new assistant messages.
type Snapshot struct {
	QuestionWaiting bool
	Complete        bool
	Spec            json.RawMessage
}

// Controller owns the planning session lifecycle for every task: Start,
// Poll, Answer, Approve, Cancel.
type Controller struct {
	store        store.Store
	gateway      gateway.Client
	dispatch     *dispatcher.Dispatcher
	orchestrator *orchestrator.Router // nil when no orchestrator agent is configured
	machine      *statemachine.Engine
	log          *logging.Logger
	namespace    string
}

// New builds a Controller over its collaborators. orch may be nil; Poll and
// Approve fall back to a direct Dispatcher.Dispatch call whenever
// no orchestrator agent is configured, mirroring the Monitor's own default
// behavior (spec.md §4.7).
func New(st store.Store, gw gateway.Client, disp *dispatcher.Dispatcher, orch *orchestrator.Router, machine *statemachine.Engine, log *logging.Logger, namespace string) *Controller {
	return &Controller{store: st, gateway: gw, dispatch: disp, orchestrator: orch, machine: machine, log: log.With(), namespace: namespace}
}

// Start opens task's planning session against the configured planner agent
// and transitions it to planning (spec.md §4.10 start). It rejects a task
// that already has a planning session.
func (c *Controller) Start(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("planning start: load task: %w", err)
	}
	if task.PlanningSessionKey != nil && *task.PlanningSessionKey != "" {
		return fmt.Errorf("planning start: %w: planning already started", apperrors.ErrConflict)
	}

	settings, err := c.store.GetWorkflowSettings(ctx)
	if err != nil {
		return fmt.Errorf("planning start: load settings: %w", err)
	}
	if settings.PlannerAgentID == nil || *settings.PlannerAgentID == "" {
		return fmt.Errorf("planning start: %w: no planner agent configured", apperrors.ErrValidation)
	}

	sessKey := sessionkey.Planning(c.namespace, *settings.PlannerAgentID, taskID)
	seed := startPrompt(task)

	encodedStr, err := encodeMessages([]Message{{Role: "user", Content: seed, Timestamp: time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("planning start: encode seed message: %w", err)
	}
	falseVal := false
	if _, err := c.store.UpdateTask(ctx, taskID, store.TaskPatch{
		PlanningSessionKey:      &sessKey,
		PlanningMessages:        &encodedStr,
		PlanningComplete:        &falseVal,
		PlanningQuestionWaiting: &falseVal,
	}); err != nil {
		return fmt.Errorf("planning start: record session: %w", err)
	}

	result, err := c.machine.Transition(ctx, taskID, store.StatusPlanning, statemachine.Options{
		Actor: "system", Reason: "planning_started",
	})
	if err != nil {
		return fmt.Errorf("planning start: transition: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("planning start: %w: %s", apperrors.ErrInvalidTransition, result.Blocked)
	}

	if err := c.gateway.SendMessage(ctx, sessKey, seed); err != nil {
		return fmt.Errorf("planning start: send prompt: %w", err)
	}
	return nil
}

// Poll fetches any assistant messages new since the last Poll, classifies
// each against the two fixed planning shapes, and persists the result
// (spec.md §4.10 poll). A complete plan with an assigned agent triggers
// auto-dispatch in the background; one with no assigned agent returns the
// task to inbox to await manual assignment.
func (c *Controller) Poll(ctx context.Context, taskID string) (Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("planning poll: load task: %w", err)
	}
	if task.PlanningSessionKey == nil || *task.PlanningSessionKey == "" {
		return Snapshot{}, fmt.Errorf("planning poll: %w: planning not started", apperrors.ErrConflict)
	}
	if task.PlanningComplete {
		var spec json.RawMessage
		if task.PlanningSpec != nil {
			spec = json.RawMessage(*task.PlanningSpec)
		}
		return Snapshot{Complete: true, Spec: spec}, nil
	}

	messages, err := decodeMessages(task)
	if err != nil {
		return Snapshot{}, err
	}
	seenAssistant := 0
	for _, m := range messages {
		if m.Role == "assistant" {
			seenAssistant++
		}
	}

	history, err := c.gateway.GetChatHistory(ctx, *task.PlanningSessionKey)
	if err != nil {
		return Snapshot{}, fmt.Errorf("planning poll: fetch history: %w", err)
	}

	questionWaiting := task.PlanningQuestionWaiting
	complete := false
	var specRaw json.RawMessage

	assistantIdx := 0
	for i := range history {
		if history[i].Role != gateway.RoleAssistant {
			continue
		}
		assistantIdx++
		if assistantIdx <= seenAssistant {
			continue
		}

		text := gateway.ExtractText(history[i].Content)
		messages = append(messages, Message{Role: "assistant", Content: text, Timestamp: time.Now().UTC()})

		var parsed map[string]any
		if !jsonreply.Decode(text, &parsed) {
			continue
		}

		isQuestion, isComplete := classify(parsed)
		switch {
		case isComplete:
			complete = true
			questionWaiting = false
			if raw, err := json.Marshal(parsed["spec"]); err == nil {
				specRaw = raw
			}
		case isQuestion:
			questionWaiting = true
		}
	}

	encodedStr, err := encodeMessages(messages)
	if err != nil {
		return Snapshot{}, fmt.Errorf("planning poll: encode messages: %w", err)
	}

	patch := store.TaskPatch{PlanningMessages: &encodedStr, PlanningQuestionWaiting: &questionWaiting}
	if complete {
		t := true
		specStr := string(specRaw)
		patch.PlanningComplete = &t
		patch.PlanningSpec = &specStr
	}
	if _, err := c.store.UpdateTask(ctx, taskID, patch); err != nil {
		return Snapshot{}, fmt.Errorf("planning poll: persist: %w", err)
	}

	if complete {
		c.afterComplete(ctx, taskID)
	}

	return Snapshot{QuestionWaiting: questionWaiting, Complete: complete, Spec: specRaw}, nil
}

// Answer records answer as a user turn in task's planning session and
// clears the pending question flag (spec.md §4.10 answer).
func (c *Controller) Answer(ctx context.Context, taskID, answer string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("planning answer: load task: %w", err)
	}
	if task.PlanningSessionKey == nil || *task.PlanningSessionKey == "" {
		return fmt.Errorf("planning answer: %w: planning not started", apperrors.ErrConflict)
	}
	if !task.PlanningQuestionWaiting {
		return fmt.Errorf("planning answer: %w: no question is waiting", apperrors.ErrConflict)
	}

	messages, err := decodeMessages(task)
	if err != nil {
		return err
	}
	messages = append(messages, Message{Role: "user", Content: answer, Timestamp: time.Now().UTC()})
	encodedStr, err := encodeMessages(messages)
	if err != nil {
		return fmt.Errorf("planning answer: encode messages: %w", err)
	}

	waiting := false
	if _, err := c.store.UpdateTask(ctx, taskID, store.TaskPatch{PlanningMessages: &encodedStr, PlanningQuestionWaiting: &waiting}); err != nil {
		return fmt.Errorf("planning answer: persist: %w", err)
	}

	if err := c.gateway.SendMessage(ctx, *task.PlanningSessionKey, answer); err != nil {
		return fmt.Errorf("planning answer: send: %w", err)
	}
	return nil
}

// Approve dispatches a completed plan whose task already has an assigned
// agent, without waiting for the next Poll to observe it (spec.md §4.10
// approve).
func (c *Controller) Approve(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("planning approve: load task: %w", err)
	}
	if !task.PlanningComplete {
		return fmt.Errorf("planning approve: %w: plan is not complete", apperrors.ErrConflict)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID == "" {
		return fmt.Errorf("planning approve: %w: task has no assigned agent", apperrors.ErrValidation)
	}

	c.autoDispatch(taskID)
	return nil
}

// Cancel abandons an in-flight planning session, clearing every planning_*
// field and returning the task to inbox (spec.md §4.10 cancel).
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	if _, err := c.store.UpdateTask(ctx, taskID, store.TaskPatch{ClearPlanningSession: true}); err != nil {
		return fmt.Errorf("planning cancel: clear session: %w", err)
	}

	result, err := c.machine.Transition(ctx, taskID, store.StatusInbox, statemachine.Options{
		Actor: "system", Reason: "planning_cancelled", BypassGuards: true,
	})
	if err != nil {
		return fmt.Errorf("planning cancel: transition: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("planning cancel: %w: %s", apperrors.ErrInvalidTransition, result.Blocked)
	}
	return nil
}

// afterComplete routes a freshly-completed plan: to auto-dispatch when an
// agent is already assigned, otherwise back to inbox to await one.
func (c *Controller) afterComplete(ctx context.Context, taskID string) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		c.log.WithTaskID(taskID).WithError(err).Error("planning complete: reload task failed")
		return
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID == "" {
		if _, err := c.machine.Transition(ctx, taskID, store.StatusInbox, statemachine.Options{
			Actor: "system", Reason: "planning_complete_awaiting_dispatch", BypassGuards: true,
		}); err != nil {
			c.log.WithTaskID(taskID).WithError(err).Error("planning complete: return to inbox failed")
		}
		return
	}
	c.autoDispatch(taskID)
}

// autoDispatch routes a completed, assigned plan to the orchestrator when
// one is configured, otherwise straight to the Dispatcher, in the
// background so Poll/Approve never block on a dispatch round trip.
func (c *Controller) autoDispatch(taskID string) {
	apperrors.Go(c.log, "planning-auto-dispatch", func() {
		ctx := context.Background()
		settings, err := c.store.GetWorkflowSettings(ctx)
		if err != nil {
			c.recordDispatchError(ctx, taskID, err)
			return
		}

		if settings.OrchestratorAgentID != nil && *settings.OrchestratorAgentID != "" && c.orchestrator != nil {
			if err := c.orchestrator.AfterPlanning(ctx, taskID); err != nil {
				c.recordDispatchError(ctx, taskID, err)
			}
			return
		}

		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			c.recordDispatchError(ctx, taskID, err)
			return
		}
		if task.AssignedAgentID == nil || *task.AssignedAgentID == "" {
			c.recordDispatchError(ctx, taskID, fmt.Errorf("no assigned agent to dispatch to"))
			return
		}
		if _, err := c.dispatch.Dispatch(ctx, dispatcher.Request{TaskID: taskID, AgentID: *task.AssignedAgentID}); err != nil {
			c.recordDispatchError(ctx, taskID, err)
		}
	})
}

func (c *Controller) recordDispatchError(ctx context.Context, taskID string, err error) {
	msg := err.Error()
	if _, uerr := c.store.UpdateTask(ctx, taskID, store.TaskPatch{PlanningDispatchError: &msg}); uerr != nil {
		c.log.WithTaskID(taskID).WithError(uerr).Error("planning: record dispatch error failed")
	}
}

func decodeMessages(task *store.Task) ([]Message, error) {
	if task.PlanningMessages == nil || *task.PlanningMessages == "" {
		return nil, nil
	}
	var messages []Message
	if err := json.Unmarshal([]byte(*task.PlanningMessages), &messages); err != nil {
		return nil, fmt.Errorf("planning: decode stored messages: %w", err)
	}
	return messages, nil
}

func encodeMessages(messages []Message) (string, error) {
	encoded, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func startPrompt(task *store.Task) string {
	return fmt.Sprintf("Plan task %q. Description: %s\n\nAsk one clarifying question at a time as JSON {\"question\": \"...\"}, or reply with JSON {\"complete\": true, \"spec\": {...}} once the plan is ready.", task.Title, task.Description)
}
