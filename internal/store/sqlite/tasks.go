package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

const taskColumns = `id, title, description, priority, status,
	assigned_agent_id, openclaw_session_key,
	dispatch_id, dispatch_started_at, dispatch_message_count_start,
	planning_session_key, planning_messages, planning_complete, planning_spec,
	planning_dispatch_error, planning_question_waiting,
	orchestrator_session_key, tester_session_key, rework_count,
	sort_order, created_at, updated_at`

func (c *conn) CreateTask(ctx context.Context, task *store.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = store.StatusInbox
	}

	_, err := c.x.ExecContext(ctx, c.x.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID, task.Title, task.Description, task.Priority, task.Status,
		task.AssignedAgentID, task.OpenclawSessionKey,
		task.DispatchID, task.DispatchStartedAt, task.DispatchMessageCountStart,
		task.PlanningSessionKey, task.PlanningMessages, task.PlanningComplete, task.PlanningSpec,
		task.PlanningDispatchError, task.PlanningQuestionWaiting,
		task.OrchestratorSessionKey, task.TesterSessionKey, task.ReworkCount,
		task.SortOrder, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert task %s: %w", task.ID, err)
	}
	return nil
}

func (c *conn) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := c.x.QueryRowContext(ctx, c.x.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan task %s: %w", id, err)
	}
	return task, nil
}

func (c *conn) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	task, err := c.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	store.ApplyPatch(task, patch)
	task.UpdatedAt = time.Now().UTC()

	result, err := c.x.ExecContext(ctx, c.x.Rebind(`
		UPDATE tasks SET
			title = ?, description = ?, priority = ?, status = ?,
			assigned_agent_id = ?, openclaw_session_key = ?,
			dispatch_id = ?, dispatch_started_at = ?, dispatch_message_count_start = ?,
			planning_session_key = ?, planning_messages = ?, planning_complete = ?, planning_spec = ?,
			planning_dispatch_error = ?, planning_question_waiting = ?,
			orchestrator_session_key = ?, tester_session_key = ?, rework_count = ?,
			sort_order = ?, updated_at = ?
		WHERE id = ?
	`),
		task.Title, task.Description, task.Priority, task.Status,
		task.AssignedAgentID, task.OpenclawSessionKey,
		task.DispatchID, task.DispatchStartedAt, task.DispatchMessageCountStart,
		task.PlanningSessionKey, task.PlanningMessages, task.PlanningComplete, task.PlanningSpec,
		task.PlanningDispatchError, task.PlanningQuestionWaiting,
		task.OrchestratorSessionKey, task.TesterSessionKey, task.ReworkCount,
		task.SortOrder, task.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update task %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	return task, nil
}

func (c *conn) DeleteTask(ctx context.Context, id string) error {
	result, err := c.x.ExecContext(ctx, c.x.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	if _, err := c.x.ExecContext(ctx, c.x.Rebind(`DELETE FROM comments WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("sqlite: delete comments for task %s: %w", id, err)
	}
	if _, err := c.x.ExecContext(ctx, c.x.Rebind(`DELETE FROM deliverables WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("sqlite: delete deliverables for task %s: %w", id, err)
	}
	return nil
}

func (c *conn) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += ` AND assigned_agent_id = ?`
		args = append(args, filter.AgentID)
	}
	query += ` ORDER BY status ASC, sort_order ASC`

	rows, err := c.x.QueryContext(ctx, c.x.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var result []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task row: %w", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var assignedAgentID, openclawSessionKey sql.NullString
	var dispatchID sql.NullString
	var dispatchStartedAt sql.NullTime
	var dispatchMessageCountStart sql.NullInt64
	var planningSessionKey, planningMessages, planningSpec, planningDispatchError sql.NullString
	var orchestratorSessionKey, testerSessionKey sql.NullString

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&assignedAgentID, &openclawSessionKey,
		&dispatchID, &dispatchStartedAt, &dispatchMessageCountStart,
		&planningSessionKey, &planningMessages, &t.PlanningComplete, &planningSpec,
		&planningDispatchError, &t.PlanningQuestionWaiting,
		&orchestratorSessionKey, &testerSessionKey, &t.ReworkCount,
		&t.SortOrder, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AssignedAgentID = nullStringPtr(assignedAgentID)
	t.OpenclawSessionKey = nullStringPtr(openclawSessionKey)
	t.DispatchID = nullStringPtr(dispatchID)
	if dispatchStartedAt.Valid {
		v := dispatchStartedAt.Time
		t.DispatchStartedAt = &v
	}
	if dispatchMessageCountStart.Valid {
		v := int(dispatchMessageCountStart.Int64)
		t.DispatchMessageCountStart = &v
	}
	t.PlanningSessionKey = nullStringPtr(planningSessionKey)
	t.PlanningMessages = nullStringPtr(planningMessages)
	t.PlanningSpec = nullStringPtr(planningSpec)
	t.PlanningDispatchError = nullStringPtr(planningDispatchError)
	t.OrchestratorSessionKey = nullStringPtr(orchestratorSessionKey)
	t.TesterSessionKey = nullStringPtr(testerSessionKey)

	return &t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
