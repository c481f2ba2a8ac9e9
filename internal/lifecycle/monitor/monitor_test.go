package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	"github.com/missioncontrol/missioncontrol/internal/gateway"
	fakegateway "github.com/missioncontrol/missioncontrol/internal/gateway/fake"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/store"
	"github.com/missioncontrol/missioncontrol/internal/store/memstore"
)

type recordingHandoff struct {
	calls chan string
}

func (h *recordingHandoff) HandleAcceptedCompletion(ctx context.Context, taskID string, wasTesterSession bool) {
	h.calls <- taskID
}

func newHarness(t *testing.T, pollInterval, idleTimeout, ackTimeout time.Duration) (*Registry, store.Store, *fakegateway.Client, *statemachine.Engine) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.NewMemoryBus()
	gw := fakegateway.New()
	machine := statemachine.New(st, bus, logging.Default())
	registry := New(Deps{
		Store:        st,
		Gateway:      gw,
		Bus:          bus,
		Machine:      machine,
		Log:          logging.Default(),
		PollInterval: pollInterval,
		IdleTimeout:  idleTimeout,
		AckTimeout:   ackTimeout,
	})
	return registry, st, gw, machine
}

func seedDispatchedTask(t *testing.T, st store.Store, agentID, sessionKey string) {
	t.Helper()
	startedAt := time.Now().UTC()
	dispatchID := "d1"
	require.NoError(t, st.CreateTask(context.Background(), &store.Task{
		ID:                 "t1",
		Title:              "t",
		Status:             store.StatusAssigned,
		Priority:           store.PriorityMedium,
		AssignedAgentID:    &agentID,
		OpenclawSessionKey: &sessionKey,
		DispatchID:         &dispatchID,
		DispatchStartedAt:  &startedAt,
	}))
}

func TestStartMonitoringIsIdempotentPerSessionKey(t *testing.T) {
	registry, st, gw, _ := newHarness(t, time.Hour, time.Hour, time.Hour)
	seedDispatchedTask(t, st, "alpha", "sess-1")

	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha"})
	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha"})

	assert.Len(t, registry.Snapshot(), 1)
	assert.True(t, registry.ActiveFor("t1", "alpha"))

	registry.StopMonitoring("sess-1")
	registry.StopMonitoring("sess-1") // idempotent
	assert.Empty(t, registry.Snapshot())
	_ = gw
}

func TestFirstActivityAckFromEventTransitionsToInProgress(t *testing.T) {
	registry, st, gw, _ := newHarness(t, time.Hour, time.Hour, time.Hour)
	seedDispatchedTask(t, st, "alpha", "sess-1")
	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha"})
	defer registry.StopMonitoring("sess-1")

	gw.Emit(gateway.EventFrame{Event: "chat.run.start", Payload: gateway.EventPayload{SessionKey: "sess-1"}})

	assert.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), "t1")
		return err == nil && task.Status == store.StatusInProgress
	}, time.Second, 10*time.Millisecond)

	activity, err := st.ListActivity(context.Background(), store.ActivityFilter{TaskID: "t1"})
	require.NoError(t, err)
	count := 0
	for _, a := range activity {
		if a.Type == "first_agent_activity_ack" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestFirstActivityAckIsRaceSafeAcrossEventAndPoll(t *testing.T) {
	registry, st, gw, _ := newHarness(t, 20*time.Millisecond, time.Hour, time.Hour)
	seedDispatchedTask(t, st, "alpha", "sess-1")
	gw.PushMessage("sess-1", gateway.RoleAssistant, "still working on it")

	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha"})
	defer registry.StopMonitoring("sess-1")

	gw.Emit(gateway.EventFrame{Event: "chat.run.start", Payload: gateway.EventPayload{SessionKey: "sess-1"}})

	assert.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), "t1")
		return err == nil && task.Status == store.StatusInProgress
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	activity, err := st.ListActivity(context.Background(), store.ActivityFilter{TaskID: "t1"})
	require.NoError(t, err)
	count := 0
	for _, a := range activity {
		if a.Type == "first_agent_activity_ack" {
			count++
		}
	}
	assert.Equal(t, 1, count, "the ack latch must fire exactly once across the event and poll paths")
}

func TestAckTimeoutRevertsToAssignedAndStops(t *testing.T) {
	registry, st, _, _ := newHarness(t, time.Hour, time.Hour, 20*time.Millisecond)
	seedDispatchedTask(t, st, "alpha", "sess-1")
	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha"})

	assert.Eventually(t, func() bool {
		return len(registry.Snapshot()) == 0
	}, time.Second, 10*time.Millisecond)

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, task.Status)
	assert.Nil(t, task.DispatchID)

	activity, err := st.ListActivity(context.Background(), store.ActivityFilter{TaskID: "t1"})
	require.NoError(t, err)
	found := false
	for _, a := range activity {
		if a.Type == "task_ack_timeout" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAcceptedCompletionStopsMonitoringAndCallsHandoff(t *testing.T) {
	registry, st, gw, _ := newHarness(t, 15*time.Millisecond, time.Hour, time.Hour)
	seedDispatchedTask(t, st, "alpha", "sess-1")

	orchestratorAgentID := "orchestrator-1"
	require.NoError(t, st.PutWorkflowSettings(context.Background(), &store.WorkflowSettings{OrchestratorAgentID: &orchestratorAgentID}))

	handoff := &recordingHandoff{calls: make(chan string, 1)}
	registry.SetHandoff(handoff)

	gw.PushMessage("sess-1", gateway.RoleAssistant, "TASK_COMPLETE dispatch_id=d1: all done, 3 new messages ahead")
	gw.PushMessage("sess-1", gateway.RoleAssistant, "TASK_COMPLETE dispatch_id=d1: all done")

	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha", DispatchID: "d1"})

	select {
	case taskID := <-handoff.calls:
		assert.Equal(t, "t1", taskID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected handoff to be invoked on accepted completion")
	}

	assert.Eventually(t, func() bool {
		return len(registry.Snapshot()) == 0
	}, time.Second, 10*time.Millisecond)

	comments, err := st.ListComments(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, store.CommentAuthorAgent, comments[0].AuthorType)
}

func TestAcceptedCompletionWithNoOrchestratorRoutesToReviewByDefault(t *testing.T) {
	registry, st, gw, _ := newHarness(t, 15*time.Millisecond, time.Hour, time.Hour)
	seedDispatchedTask(t, st, "alpha", "sess-1")

	gw.PushMessage("sess-1", gateway.RoleAssistant, "TASK_COMPLETE dispatch_id=d1: all done, 3 new messages ahead")
	gw.PushMessage("sess-1", gateway.RoleAssistant, "TASK_COMPLETE dispatch_id=d1: all done")

	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha", DispatchID: "d1"})

	assert.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), "t1")
		return err == nil && task.Status == store.StatusReview
	}, time.Second, 10*time.Millisecond, "with no orchestrator configured and no Handoff wired, the Monitor must still route an accepted completion to review")

	registry.StopMonitoring("sess-1")
}

func TestAcceptedCompletionWithDeliverableRoutesToTestingByDefault(t *testing.T) {
	registry, st, gw, _ := newHarness(t, 15*time.Millisecond, time.Hour, time.Hour)
	seedDispatchedTask(t, st, "alpha", "sess-1")
	require.NoError(t, st.AddDeliverable(context.Background(), &store.Deliverable{
		TaskID:          "t1",
		DeliverableType: store.DeliverableFile,
		Title:           "patch.diff",
	}))

	gw.PushMessage("sess-1", gateway.RoleAssistant, "TASK_COMPLETE dispatch_id=d1: all done, 3 new messages ahead")
	gw.PushMessage("sess-1", gateway.RoleAssistant, "TASK_COMPLETE dispatch_id=d1: all done")

	registry.StartMonitoring(context.Background(), StartParams{TaskID: "t1", SessionKey: "sess-1", AgentID: "alpha", DispatchID: "d1"})

	assert.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), "t1")
		return err == nil && task.Status == store.StatusTesting
	}, time.Second, 10*time.Millisecond)

	activity, err := st.ListActivity(context.Background(), store.ActivityFilter{TaskID: "t1"})
	require.NoError(t, err)
	found := false
	for _, a := range activity {
		if a.Type == "test_pipeline_triggered" {
			found = true
		}
	}
	assert.True(t, found, "entering testing with no orchestrator must fire the test pipeline trigger")

	registry.StopMonitoring("sess-1")
}
