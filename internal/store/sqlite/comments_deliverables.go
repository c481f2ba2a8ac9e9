package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

func (c *conn) AddComment(ctx context.Context, comment *store.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	_, err := c.x.ExecContext(ctx, c.x.Rebind(`
		INSERT INTO comments (id, task_id, author_type, agent_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), comment.ID, comment.TaskID, comment.AuthorType, comment.AgentID, comment.Content, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert comment for task %s: %w", comment.TaskID, err)
	}
	return nil
}

func (c *conn) ListComments(ctx context.Context, taskID string) ([]*store.Comment, error) {
	rows, err := c.x.QueryContext(ctx, c.x.Rebind(`
		SELECT id, task_id, author_type, agent_id, content, created_at
		FROM comments WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list comments for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var result []*store.Comment
	for rows.Next() {
		var cm store.Comment
		if err := rows.Scan(&cm.ID, &cm.TaskID, &cm.AuthorType, &cm.AgentID, &cm.Content, &cm.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan comment row: %w", err)
		}
		result = append(result, &cm)
	}
	return result, rows.Err()
}

func (c *conn) AddDeliverable(ctx context.Context, deliverable *store.Deliverable) error {
	if deliverable.ID == "" {
		deliverable.ID = uuid.New().String()
	}
	if deliverable.CreatedAt.IsZero() {
		deliverable.CreatedAt = time.Now().UTC()
	}
	_, err := c.x.ExecContext(ctx, c.x.Rebind(`
		INSERT INTO deliverables (id, task_id, deliverable_type, title, path, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), deliverable.ID, deliverable.TaskID, deliverable.DeliverableType, deliverable.Title, deliverable.Path, deliverable.Description, deliverable.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert deliverable for task %s: %w", deliverable.TaskID, err)
	}
	return nil
}

func (c *conn) DeleteDeliverable(ctx context.Context, taskID, deliverableID string) error {
	res, err := c.x.ExecContext(ctx, c.x.Rebind(`
		DELETE FROM deliverables WHERE id = ? AND task_id = ?
	`), deliverableID, taskID)
	if err != nil {
		return fmt.Errorf("sqlite: delete deliverable %s: %w", deliverableID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete deliverable %s: %w", deliverableID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: deliverable %s on task %s: %w", deliverableID, taskID, apperrors.ErrNotFound)
	}
	return nil
}

func (c *conn) ListDeliverables(ctx context.Context, taskID string) ([]*store.Deliverable, error) {
	rows, err := c.x.QueryContext(ctx, c.x.Rebind(`
		SELECT id, task_id, deliverable_type, title, path, description, created_at
		FROM deliverables WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list deliverables for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var result []*store.Deliverable
	for rows.Next() {
		var d store.Deliverable
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DeliverableType, &d.Title, &d.Path, &d.Description, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan deliverable row: %w", err)
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}
