package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	fakegateway "github.com/missioncontrol/missioncontrol/internal/gateway/fake"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/monitor"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/store"
	"github.com/missioncontrol/missioncontrol/internal/store/memstore"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store, *fakegateway.Client) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.NewMemoryBus()
	gw := fakegateway.New()
	machine := statemachine.New(st, bus, logging.Default())
	registry := monitor.New(monitor.Deps{
		Store:   st,
		Gateway: gw,
		Bus:     bus,
		Machine: machine,
		Log:     logging.Default(),
	})
	return New(st, gw, bus, registry, machine, logging.Default(), 90*time.Second), st, gw
}

func seedTask(t *testing.T, st store.Store, status store.Status) *store.Task {
	t.Helper()
	task := &store.Task{ID: "t1", Title: "fix the bug", Description: "details", Status: status, Priority: store.PriorityHigh}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func TestDispatchHappyPathClaimsAndSends(t *testing.T) {
	d, st, gw := newTestDispatcher(t)
	seedTask(t, st, store.StatusInbox)

	result, err := d.Dispatch(context.Background(), Request{TaskID: "t1", AgentID: "alpha"})
	require.NoError(t, err)
	assert.False(t, result.Deduped)
	assert.NotEmpty(t, result.DispatchID)
	assert.Equal(t, store.StatusAssigned, result.Task.Status)

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", *task.AssignedAgentID)
	require.NotNil(t, task.DispatchID)
	assert.Equal(t, result.DispatchID, *task.DispatchID)

	sessKey := *task.OpenclawSessionKey
	sent := gw.SentMessages(sessKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], result.DispatchID)
}

func TestDispatchDedupeAlreadyInProgress(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	task := seedTask(t, st, store.StatusInProgress)
	agentID := "alpha"
	_, err := st.UpdateTask(context.Background(), task.ID, store.TaskPatch{AssignedAgentID: &agentID})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), Request{TaskID: "t1", AgentID: "alpha"})
	require.NoError(t, err)
	assert.True(t, result.Deduped)
	assert.Equal(t, DedupeAlreadyInProgress, result.DedupeReason)
}

func TestDispatchDedupeAwaitingFirstActivityAck(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	task := seedTask(t, st, store.StatusAssigned)
	agentID := "alpha"
	startedAt := time.Now().UTC()
	_, err := st.UpdateTask(context.Background(), task.ID, store.TaskPatch{
		AssignedAgentID:   &agentID,
		DispatchStartedAt: &startedAt,
	})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), Request{TaskID: "t1", AgentID: "alpha"})
	require.NoError(t, err)
	assert.True(t, result.Deduped)
	assert.Equal(t, DedupeAwaitingFirstActivityAck, result.DedupeReason)
}

func TestDispatchNoDedupeForDifferentAgent(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	task := seedTask(t, st, store.StatusInProgress)
	agentID := "alpha"
	_, err := st.UpdateTask(context.Background(), task.ID, store.TaskPatch{AssignedAgentID: &agentID})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), Request{TaskID: "t1", AgentID: "beta"})
	require.NoError(t, err)
	assert.False(t, result.Deduped)
}

func TestDispatchRevertsOnSendFailure(t *testing.T) {
	d, st, gw := newTestDispatcher(t)
	seedTask(t, st, store.StatusInbox)
	gw.SendErr[sessKeyFor("alpha", "t1")] = assertAnError{}

	_, err := d.Dispatch(context.Background(), Request{TaskID: "t1", AgentID: "alpha"})
	require.Error(t, err)

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInbox, task.Status)
	assert.Nil(t, task.DispatchID)
	assert.Nil(t, task.DispatchStartedAt)
}

func TestDispatchReworkAppendsCommentAndFeedbackPrompt(t *testing.T) {
	d, st, gw := newTestDispatcher(t)
	task := seedTask(t, st, store.StatusReview)
	agentID := "alpha"
	_, err := st.UpdateTask(context.Background(), task.ID, store.TaskPatch{AssignedAgentID: &agentID})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), Request{TaskID: "t1", AgentID: "alpha", Feedback: "please fix the edge case"})
	require.NoError(t, err)
	assert.False(t, result.Deduped)

	comments, err := st.ListComments(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "please fix the edge case", comments[0].Content)

	activity, err := st.ListActivity(context.Background(), store.ActivityFilter{TaskID: "t1"})
	require.NoError(t, err)
	found := false
	for _, a := range activity {
		if a.Type == "task_rework" {
			found = true
		}
	}
	assert.True(t, found)

	sessKey := sessKeyFor("alpha", "t1")
	sent := gw.SentMessages(sessKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "please fix the edge case")
}

func sessKeyFor(agentID, taskID string) string {
	return "mc:" + agentID + ":task:" + taskID
}

type assertAnError struct{}

func (assertAnError) Error() string { return "send failed" }
