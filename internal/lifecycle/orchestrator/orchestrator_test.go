package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	"github.com/missioncontrol/missioncontrol/internal/gateway"
	fakegateway "github.com/missioncontrol/missioncontrol/internal/gateway/fake"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/dispatcher"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/monitor"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/store"
	"github.com/missioncontrol/missioncontrol/internal/store/memstore"
)

func newTestRouter(t *testing.T) (*Router, store.Store, *fakegateway.Client) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.NewMemoryBus()
	gw := fakegateway.New()
	machine := statemachine.New(st, bus, logging.Default())
	registry := monitor.New(monitor.Deps{Store: st, Gateway: gw, Bus: bus, Machine: machine, Log: logging.Default()})
	disp := dispatcher.New(st, gw, bus, registry, machine, logging.Default(), 90*time.Second)
	router := New(st, gw, disp, registry, machine, logging.Default(), "mc").WithPollTiming(10*time.Millisecond, 200*time.Millisecond)
	return router, st, gw
}

func TestInvokeOrchestratorParsesValidDecision(t *testing.T) {
	router, st, gw := newTestRouter(t)
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "x", Status: store.StatusAssigned, Priority: store.PriorityMedium}))

	sessKey := "mc:orc-1:orchestrate:t1"
	go func() {
		time.Sleep(15 * time.Millisecond)
		gw.PushMessage(sessKey, gateway.RoleAssistant, `{"action": "send_to_review", "reasoning": "looks done"}`)
	}()

	decision, err := router.InvokeOrchestrator(context.Background(), "t1", "orc-1", "evaluate this task")
	require.NoError(t, err)
	assert.Equal(t, ActionSendToReview, decision.Action)
	assert.Equal(t, "looks done", decision.Reasoning)
}

func TestInvokeOrchestratorNudgesOnceThenFallsBack(t *testing.T) {
	router, st, gw := newTestRouter(t)
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "x", Status: store.StatusAssigned, Priority: store.PriorityMedium}))

	sessKey := "mc:orc-1:orchestrate:t1"
	go func() {
		time.Sleep(15 * time.Millisecond)
		gw.PushMessage(sessKey, gateway.RoleAssistant, "not json at all")
		time.Sleep(15 * time.Millisecond)
		gw.PushMessage(sessKey, gateway.RoleAssistant, "still not json")
	}()

	decision, err := router.InvokeOrchestrator(context.Background(), "t1", "orc-1", "evaluate this task")
	require.NoError(t, err)
	assert.Equal(t, ActionFallback, decision.Action)

	sent := gw.SentMessages(sessKey)
	require.Len(t, sent, 2, "the prompt plus exactly one nudge")
}

func TestInvokeOrchestratorTimesOutToFallback(t *testing.T) {
	router, st, _ := newTestRouter(t)
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "x", Status: store.StatusAssigned, Priority: store.PriorityMedium}))

	decision, err := router.InvokeOrchestrator(context.Background(), "t1", "orc-1", "evaluate this task")
	require.NoError(t, err)
	assert.Equal(t, ActionFallback, decision.Action)
}

func TestAfterCompletionSendsToTestingWhenTesterConfigured(t *testing.T) {
	router, st, gw := newTestRouter(t)
	agentID := "alpha"
	orcID := "orc-1"
	testerID := "tester-1"
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "x", Status: store.StatusInProgress, Priority: store.PriorityMedium, AssignedAgentID: &agentID}))
	require.NoError(t, st.PutWorkflowSettings(context.Background(), &store.WorkflowSettings{OrchestratorAgentID: &orcID, TesterAgentID: &testerID, MaxReworkCycles: 2}))

	sessKey := "mc:orc-1:orchestrate:t1"
	go func() {
		time.Sleep(15 * time.Millisecond)
		gw.PushMessage(sessKey, gateway.RoleAssistant, `{"action": "send_to_testing", "reasoning": "ready"}`)
	}()

	err := router.AfterCompletion(context.Background(), "t1")
	require.NoError(t, err)

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusTesting, task.Status)
	require.NotNil(t, task.TesterSessionKey)
	assert.True(t, router.monitors.ActiveFor("t1", agentID))
}

func TestAfterTestingEscalatesAtMaxReworkCycles(t *testing.T) {
	router, st, gw := newTestRouter(t)
	agentID := "alpha"
	orcID := "orc-1"
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "x", Status: store.StatusTesting, Priority: store.PriorityMedium, AssignedAgentID: &agentID, ReworkCount: 2}))
	require.NoError(t, st.PutWorkflowSettings(context.Background(), &store.WorkflowSettings{OrchestratorAgentID: &orcID, MaxReworkCycles: 2}))

	sessKey := "mc:orc-1:orchestrate:t1"
	go func() {
		time.Sleep(15 * time.Millisecond)
		gw.PushMessage(sessKey, gateway.RoleAssistant, `{"action": "send_to_programmer", "reasoning": "still broken", "feedback": "fix the edge case"}`)
	}()

	err := router.AfterTesting(context.Background(), "t1")
	require.NoError(t, err)

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReview, task.Status)
	assert.Equal(t, 2, task.ReworkCount)
}

func TestHandleAcceptedCompletionFallsBackToReviewOnError(t *testing.T) {
	router, st, _ := newTestRouter(t)
	agentID := "alpha"
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "x", Status: store.StatusInProgress, Priority: store.PriorityMedium, AssignedAgentID: &agentID}))
	// No WorkflowSettings orchestrator configured: AfterCompletion returns an error.

	router.HandleAcceptedCompletion(context.Background(), "t1", false)

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReview, task.Status)
}
