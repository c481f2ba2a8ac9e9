package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/store"
)

func (c *conn) LogActivity(ctx context.Context, entry *store.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		metadata = entry.Metadata
	}
	_, err := c.x.ExecContext(ctx, c.x.Rebind(`
		INSERT INTO activity (id, type, task_id, agent_id, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Type, entry.TaskID, entry.AgentID, entry.Message, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert activity entry: %w", err)
	}
	return nil
}

func (c *conn) ListActivity(ctx context.Context, filter store.ActivityFilter) ([]*store.ActivityEntry, error) {
	query := `SELECT id, type, task_id, agent_id, message, metadata, created_at FROM activity WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := c.x.QueryContext(ctx, c.x.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list activity: %w", err)
	}
	defer rows.Close()

	var result []*store.ActivityEntry
	for rows.Next() {
		var e store.ActivityEntry
		var taskID, agentID sql.NullString
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.Type, &taskID, &agentID, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan activity row: %w", err)
		}
		e.TaskID = nullStringPtr(taskID)
		e.AgentID = nullStringPtr(agentID)
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
