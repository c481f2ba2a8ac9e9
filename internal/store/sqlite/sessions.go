package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

const sessionColumns = `id, openclaw_session_id, session_type, task_id, agent_id,
	status, error_message, started_at, updated_at, completed_at`

func (c *conn) CreateSession(ctx context.Context, session *store.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = store.SessionStatusPending
	}
	_, err := c.x.ExecContext(ctx, c.x.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		session.ID, session.OpenclawSessionID, session.SessionType, session.TaskID, session.AgentID,
		session.Status, session.ErrorMessage, session.StartedAt, session.UpdatedAt, session.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert session %s: %w", session.ID, err)
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := c.x.QueryRowContext(ctx, c.x.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan session %s: %w", id, err)
	}
	return session, nil
}

func (c *conn) UpdateSession(ctx context.Context, session *store.Session) error {
	result, err := c.x.ExecContext(ctx, c.x.Rebind(`
		UPDATE sessions SET
			openclaw_session_id = ?, session_type = ?, task_id = ?, agent_id = ?,
			status = ?, error_message = ?, started_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`),
		session.OpenclawSessionID, session.SessionType, session.TaskID, session.AgentID,
		session.Status, session.ErrorMessage, session.StartedAt, session.UpdatedAt, session.CompletedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session %s: %w", session.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", session.ID, apperrors.ErrNotFound)
	}
	return nil
}

// ListActiveSessions returns every session not yet in a terminal status,
// matching the in-memory store's definition of "active" (spec.md C7's
// monitor registry only supervises these).
func (c *conn) ListActiveSessions(ctx context.Context) ([]*store.Session, error) {
	rows, err := c.x.QueryContext(ctx, c.x.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?, ?, ?)
		ORDER BY started_at ASC
	`), store.SessionStatusPending, store.SessionStatusRunning, store.SessionStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active sessions: %w", err)
	}
	defer rows.Close()

	var result []*store.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session row: %w", err)
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func scanSession(row rowScanner) (*store.Session, error) {
	var s store.Session
	var taskID, agentID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.OpenclawSessionID, &s.SessionType, &taskID, &agentID,
		&s.Status, &s.ErrorMessage, &s.StartedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	s.TaskID = nullStringPtr(taskID)
	s.AgentID = nullStringPtr(agentID)
	if completedAt.Valid {
		v := completedAt.Time
		s.CompletedAt = &v
	}
	return &s, nil
}
