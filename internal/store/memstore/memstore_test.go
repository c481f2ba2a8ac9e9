package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

func TestCreateAndGetTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := &store.Task{Title: "write the docs", Priority: store.PriorityMedium}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, store.StatusInbox, task.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "write the docs", got.Title)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	s := New()
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpdateTaskPatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &store.Task{Title: "initial"}
	require.NoError(t, s.CreateTask(ctx, task))

	newTitle := "renamed"
	agentID := "agent-1"
	updated, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{
		Title:           &newTitle,
		AssignedAgentID: &agentID,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	require.NotNil(t, updated.AssignedAgentID)
	assert.Equal(t, "agent-1", *updated.AssignedAgentID)
}

func TestUpdateTaskClearDispatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &store.Task{Title: "t"}
	require.NoError(t, s.CreateTask(ctx, task))

	dispatchID := "d-1"
	count := 3
	_, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{
		DispatchID:                &dispatchID,
		DispatchMessageCountStart: &count,
	})
	require.NoError(t, err)

	cleared, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{ClearDispatch: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.DispatchID)
	assert.Nil(t, cleared.DispatchStartedAt)
	assert.Nil(t, cleared.DispatchMessageCountStart)
}

func TestListTasksFilterByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	t1 := &store.Task{Title: "a", Status: store.StatusInbox}
	t2 := &store.Task{Title: "b", Status: store.StatusInProgress}
	require.NoError(t, s.CreateTask(ctx, t1))
	require.NoError(t, s.CreateTask(ctx, t2))

	inbox, err := s.ListTasks(ctx, store.TaskFilter{Status: store.StatusInbox})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "a", inbox[0].Title)
}

func TestTransactionCommitsAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &store.Task{Title: "t"}
	require.NoError(t, s.CreateTask(ctx, task))

	err := s.Transaction(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetTask(ctx, task.ID)
		require.NoError(t, err)
		newTitle := got.Title + "-edited"
		_, err = tx.UpdateTask(ctx, task.ID, store.TaskPatch{Title: &newTitle})
		return err
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "t-edited", got.Title)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &store.Task{Title: "t"}
	require.NoError(t, s.CreateTask(ctx, task))

	sentinel := assert.AnError
	err := s.Transaction(ctx, func(ctx context.Context, tx store.Tx) error {
		newTitle := "should not persist"
		if _, err := tx.UpdateTask(ctx, task.ID, store.TaskPatch{Title: &newTitle}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "t", got.Title)
}

func TestAppendOnlyActivityOrderedDescending(t *testing.T) {
	s := New()
	ctx := context.Background()
	taskID := "task-1"

	require.NoError(t, s.LogActivity(ctx, &store.ActivityEntry{Type: "task_created", TaskID: &taskID, Message: "first"}))
	require.NoError(t, s.LogActivity(ctx, &store.ActivityEntry{Type: "task_created", TaskID: &taskID, Message: "second"}))

	entries, err := s.ListActivity(ctx, store.ActivityFilter{TaskID: taskID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "first", entries[1].Message)
}

func TestWorkflowSettingsDefaults(t *testing.T) {
	s := New()
	settings, err := s.GetWorkflowSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, settings.MaxReworkCycles)
}
