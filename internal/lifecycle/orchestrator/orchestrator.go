// Package orchestrator implements the Orchestrator Router (spec.md C8):
// when an orchestrator agent is configured, routing decisions after
// planning, completion, and testing are delegated to it via a single-turn
// JSON request/response over the Gateway Adapter instead of the Monitor's
// own default rules. Grounded on the teacher's
// orchestrator/executor/executor_execute.go request/response turn-taking
// and orchestrator/scheduler.Scheduler's own ticker-driven poll loop.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/dispatcher"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/jsonreply"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/monitor"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/promptbuilder"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/sessionkey"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/metrics"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// Action is one of the fixed routing decisions an orchestrator reply may
// carry, validated against schema.go's decisionSchemaJSON.
type Action string

const (
	ActionDispatchToProgrammer Action = "dispatch_to_programmer"
	ActionNeedsMorePlanning    Action = "needs_more_planning"
	ActionSendToTesting        Action = "send_to_testing"
	ActionSendToReview         Action = "send_to_review"
	ActionSendToProgrammer     Action = "send_to_programmer"
	ActionFallback             Action = "fallback"
)

// Decision is a parsed, schema-validated orchestrator reply.
type Decision struct {
	Action    Action
	Reasoning string
	Feedback  string
}

const (
	defaultPollInterval = 3 * time.Second
	defaultTurnTimeout  = 90 * time.Second
)

// Router invokes a configured orchestrator agent and acts on its decisions.
type Router struct {
	store     store.Store
	gateway   gateway.Client
	dispatch  *dispatcher.Dispatcher
	monitors  *monitor.Registry
	machine   *statemachine.Engine
	log       *logging.Logger
	namespace string

	pollInterval time.Duration
	turnTimeout  time.Duration
}

// New builds a Router over its collaborators. namespace scopes the
// orchestrator session key (spec.md §4.8: "<namespace>:<orchestratorAgentId>:orchestrate:<taskId>").
func New(st store.Store, gw gateway.Client, disp *dispatcher.Dispatcher, monitors *monitor.Registry, machine *statemachine.Engine, log *logging.Logger, namespace string) *Router {
	return &Router{
		store: st, gateway: gw, dispatch: disp, monitors: monitors, machine: machine, log: log.With(), namespace: namespace,
		pollInterval: defaultPollInterval, turnTimeout: defaultTurnTimeout,
	}
}

// WithPollTiming overrides the poll interval and turn timeout; used by tests
// to avoid waiting out the real 3s/90s protocol timing.
func (r *Router) WithPollTiming(pollInterval, turnTimeout time.Duration) *Router {
	r.pollInterval = pollInterval
	r.turnTimeout = turnTimeout
	return r
}

var _ monitor.Handoff = (*Router)(nil)

// HandleAcceptedCompletion implements monitor.Handoff: it is only invoked by
// the Monitor once a WorkflowSettings orchestrator is configured. A failure
// anywhere in the routing falls back to review with guards bypassed, per
// spec.md §4.7's orchestrator branch.
func (r *Router) HandleAcceptedCompletion(ctx context.Context, taskID string, wasTesterSession bool) {
	var err error
	if wasTesterSession {
		err = r.AfterTesting(ctx, taskID)
	} else {
		err = r.AfterCompletion(ctx, taskID)
	}
	if err == nil {
		return
	}

	r.log.WithTaskID(taskID).WithError(err).Error("orchestrator handoff failed, falling back to review")
	_, transErr := r.machine.Transition(ctx, taskID, store.StatusReview, statemachine.Options{
		Actor:        "system",
		Reason:       "orchestrator_handoff_failed",
		BypassGuards: true,
	})
	if transErr != nil {
		r.log.WithTaskID(taskID).WithError(transErr).Error("orchestrator fallback transition also failed")
	}
}

// InvokeOrchestrator runs the single-turn JSON protocol of spec.md §4.8
// steps 1-6 against orchestratorAgentID's dedicated session for taskID.
func (r *Router) InvokeOrchestrator(ctx context.Context, taskID, orchestratorAgentID, prompt string) (Decision, error) {
	sessKey := sessionkey.Orchestrator(r.namespace, orchestratorAgentID, taskID)

	if _, err := r.store.UpdateTask(ctx, taskID, store.TaskPatch{OrchestratorSessionKey: &sessKey}); err != nil {
		return Decision{}, fmt.Errorf("orchestrator: record session key: %w", err)
	}

	baseline := r.assistantCount(ctx, sessKey)

	if err := r.gateway.SendMessage(ctx, sessKey, prompt); err != nil {
		return Decision{}, fmt.Errorf("orchestrator: send prompt: %w", err)
	}

	decision, err := r.pollForDecision(ctx, sessKey, baseline)
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// pollForDecision polls every 3s up to 90s for a new assistant message that
// parses as a schema-valid decision. On the first parse failure it sends one
// nudge and keeps polling; on a second failure, or on timeout, it returns
// the fallback decision rather than an error (spec.md §4.8 steps 5-6).
func (r *Router) pollForDecision(ctx context.Context, sessKey string, baseline int) (Decision, error) {
	deadline := time.Now().Add(r.turnTimeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	nudged := false
	lastCount := baseline

	for {
		select {
		case <-ctx.Done():
			return Decision{Action: ActionFallback, Reasoning: "context cancelled"}, nil
		case <-ticker.C:
			history, err := r.gateway.GetChatHistory(ctx, sessKey)
			if err != nil {
				r.log.WithError(err).Warn("orchestrator: poll fetch history failed")
				continue
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

			if count > lastCount && latest != nil {
				lastCount = count
				text := gateway.ExtractText(latest.Content)

				decision, ok := parseDecision(text)
				if ok {
					return decision, nil
				}

				if !nudged {
					nudged = true
					_ = r.gateway.SendMessage(ctx, sessKey, "Reply with a single JSON object containing \"action\" and \"reasoning\" only.")
					continue
				}
				return Decision{Action: ActionFallback, Reasoning: "orchestrator reply failed JSON validation twice"}, nil
			}

			if time.Now().After(deadline) {
				return Decision{Action: ActionFallback, Reasoning: "orchestrator invocation timed out"}, nil
			}
		}
	}
}

func parseDecision(text string) (Decision, bool) {
	var parsed map[string]any
	if !jsonreply.Decode(text, &parsed) {
		return Decision{}, false
	}
	if err := validateDecision(parsed); err != nil {
		return Decision{}, false
	}

	d := Decision{Action: Action(stringField(parsed, "action")), Reasoning: stringField(parsed, "reasoning"), Feedback: stringField(parsed, "feedback")}
	return d, true
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (r *Router) assistantCount(ctx context.Context, sessionKey string) int {
	history, err := r.gateway.GetChatHistory(ctx, sessionKey)
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

// AfterPlanning routes a completed planning spec to dispatch, per spec.md
// §4.8's after_planning phase router.
func (r *Router) AfterPlanning(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator after_planning: load task: %w", err)
	}
	settings, err := r.store.GetWorkflowSettings(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator after_planning: load settings: %w", err)
	}
	if settings.OrchestratorAgentID == nil {
		return fmt.Errorf("orchestrator after_planning: no orchestrator configured")
	}

	decision, err := r.InvokeOrchestrator(ctx, taskID, *settings.OrchestratorAgentID, afterPlanningPrompt(task))
	if err != nil {
		return err
	}
	r.logDecision(ctx, taskID, "after_planning", decision)

	if decision.Action == ActionNeedsMorePlanning {
		r.store.AddComment(ctx, &store.Comment{TaskID: taskID, AuthorType: store.CommentAuthorSystem, Content: "orchestrator: " + decision.Reasoning})
		return nil
	}

	if task.AssignedAgentID == nil {
		return fmt.Errorf("orchestrator after_planning: task has no assigned agent to dispatch to")
	}
	_, err = r.dispatch.Dispatch(ctx, dispatcher.Request{TaskID: taskID, AgentID: *task.AssignedAgentID})
	return err
}

// AfterCompletion routes a programmer completion to testing or review, per
// spec.md §4.8's after_completion phase router.
func (r *Router) AfterCompletion(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator after_completion: load task: %w", err)
	}
	settings, err := r.store.GetWorkflowSettings(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator after_completion: load settings: %w", err)
	}
	if settings.OrchestratorAgentID == nil {
		return fmt.Errorf("orchestrator after_completion: no orchestrator configured")
	}

	decision, err := r.InvokeOrchestrator(ctx, taskID, *settings.OrchestratorAgentID, afterCompletionPrompt(task))
	if err != nil {
		return err
	}
	r.logDecision(ctx, taskID, "after_completion", decision)

	if decision.Action == ActionSendToTesting && settings.TesterAgentID != nil {
		return r.dispatchToTesterAgent(ctx, task, *settings.TesterAgentID)
	}

	_, err = r.machine.Transition(ctx, taskID, store.StatusReview, statemachine.Options{
		Actor: "orchestrator", Reason: "orchestrator_decision", AgentID: derefOr(task.AssignedAgentID),
	})
	return err
}

// AfterTesting routes a tester completion to review or back to the
// programmer for rework, per spec.md §4.8's after_testing phase router.
func (r *Router) AfterTesting(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator after_testing: load task: %w", err)
	}
	settings, err := r.store.GetWorkflowSettings(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator after_testing: load settings: %w", err)
	}
	if settings.OrchestratorAgentID == nil {
		return fmt.Errorf("orchestrator after_testing: no orchestrator configured")
	}

	decision, err := r.InvokeOrchestrator(ctx, taskID, *settings.OrchestratorAgentID, afterTestingPrompt(task))
	if err != nil {
		return err
	}
	r.logDecision(ctx, taskID, "after_testing", decision)

	if decision.Action != ActionSendToProgrammer {
		_, err = r.machine.Transition(ctx, taskID, store.StatusReview, statemachine.Options{
			Actor: "orchestrator", Reason: "orchestrator_decision", AgentID: derefOr(task.AssignedAgentID),
		})
		return err
	}

	maxCycles := settings.MaxReworkCycles
	if task.ReworkCount >= maxCycles {
		r.store.AddComment(ctx, &store.Comment{TaskID: taskID, AuthorType: store.CommentAuthorSystem, Content: "max rework cycles reached, escalating to review"})
		_, err = r.machine.Transition(ctx, taskID, store.StatusReview, statemachine.Options{
			Actor: "orchestrator", Reason: "max_rework_cycles_reached", AgentID: derefOr(task.AssignedAgentID),
		})
		return err
	}

	reworkCount := task.ReworkCount + 1
	if _, err := r.store.UpdateTask(ctx, taskID, store.TaskPatch{ReworkCount: &reworkCount}); err != nil {
		return fmt.Errorf("orchestrator after_testing: increment rework_count: %w", err)
	}
	r.store.AddComment(ctx, &store.Comment{TaskID: taskID, AuthorType: store.CommentAuthorSystem, Content: "orchestrator feedback: " + decision.Feedback})

	if task.AssignedAgentID == nil {
		return fmt.Errorf("orchestrator after_testing: task has no assigned agent to rework")
	}
	_, err = r.dispatch.Dispatch(ctx, dispatcher.Request{TaskID: taskID, AgentID: *task.AssignedAgentID, Feedback: decision.Feedback})
	return err
}

// dispatchToTesterAgent implements spec.md §4.8's send_to_testing action:
// transition to testing with a fresh dispatch claim on the tester session,
// keeping assigned_agent_id pointed at the programmer for attribution.
func (r *Router) dispatchToTesterAgent(ctx context.Context, task *store.Task, testerAgentID string) error {
	sessKey := sessionkey.For(testerAgentID, task.ID)
	dispatchID := uuid.New().String()
	dispatchStartedAt := time.Now().UTC()
	baseline := r.assistantCount(ctx, sessKey)

	if _, err := r.store.UpdateTask(ctx, task.ID, store.TaskPatch{
		TesterSessionKey:          &sessKey,
		DispatchID:                &dispatchID,
		DispatchStartedAt:         &dispatchStartedAt,
		DispatchMessageCountStart: &baseline,
	}); err != nil {
		return fmt.Errorf("orchestrator dispatch_to_tester: claim tester slot: %w", err)
	}

	result, err := r.machine.Transition(ctx, task.ID, store.StatusTesting, statemachine.Options{
		Actor: "orchestrator", Reason: "orchestrator_decision", AgentID: derefOr(task.AssignedAgentID),
	})
	if err != nil {
		return fmt.Errorf("orchestrator dispatch_to_tester: transition: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("orchestrator dispatch_to_tester: transition blocked: %s", result.Blocked)
	}

	if err := r.gateway.SendMessage(ctx, sessKey, testPrompt(task, dispatchID)); err != nil {
		return fmt.Errorf("orchestrator dispatch_to_tester: send: %w", err)
	}

	r.monitors.StartMonitoring(ctx, monitor.StartParams{
		TaskID:                 task.ID,
		SessionKey:             sessKey,
		AgentID:                derefOr(task.AssignedAgentID),
		DispatchID:             dispatchID,
		DispatchStartedAt:      dispatchStartedAt,
		BaselineAssistantCount: baseline,
		TesterSession:          true,
	})
	return nil
}

func (r *Router) logDecision(ctx context.Context, taskID, phase string, decision Decision) {
	metrics.OrchestratorDecisions.WithLabelValues(string(decision.Action)).Inc()
	r.store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "orchestrator_decision",
		TaskID:  &taskID,
		Message: fmt.Sprintf("phase=%s action=%s reasoning=%s", phase, decision.Action, decision.Reasoning),
	})
}

func afterPlanningPrompt(task *store.Task) string {
	return fmt.Sprintf("Task %q has a completed plan. Reply with JSON {\"action\":\"dispatch_to_programmer\"|\"needs_more_planning\", \"reasoning\": \"...\"}.", task.Title)
}

func afterCompletionPrompt(task *store.Task) string {
	return fmt.Sprintf("Task %q was marked complete by the programmer. Reply with JSON {\"action\":\"send_to_testing\"|\"send_to_review\", \"reasoning\": \"...\"}.", task.Title)
}

func afterTestingPrompt(task *store.Task) string {
	return fmt.Sprintf("Task %q finished testing. Reply with JSON {\"action\":\"send_to_review\"|\"send_to_programmer\", \"reasoning\": \"...\", \"feedback\": \"...\"}.", task.Title)
}

func testPrompt(task *store.Task, dispatchID string) string {
	return promptbuilder.Test(task.Title, task.Description, dispatchID)
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
