// Package memstore provides an in-memory store.Store implementation, used in
// tests and for local development without a SQLite file.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// core holds the actual data and implements store.Tx without any locking of
// its own — callers must already hold Store.mu. Both Store (for
// non-transactional calls, which take the lock themselves) and the handle
// passed into Transaction's fn (which reuses the lock already held by
// Transaction) wrap the same core.
type core struct {
	tasks        map[string]*store.Task
	comments     map[string][]*store.Comment
	deliverables map[string][]*store.Deliverable
	activity     []*store.ActivityEntry
	sessions     map[string]*store.Session
	settings     *store.WorkflowSettings
}

// Store is an in-memory, mutex-guarded store.Store. A single RWMutex gives it
// the same single-writer serializability guarantee the real SQLite-backed
// store gets from a single writer connection.
type Store struct {
	mu sync.RWMutex
	c  *core
}

var _ store.Store = (*Store)(nil)
var _ store.Tx = (*core)(nil)

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		c: &core{
			tasks:        make(map[string]*store.Task),
			comments:     make(map[string][]*store.Comment),
			deliverables: make(map[string][]*store.Deliverable),
			sessions:     make(map[string]*store.Session),
			settings:     &store.WorkflowSettings{MaxReworkCycles: 3},
		},
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Transaction runs fn while holding the store's write lock, giving fn a
// serialized, consistent view — the in-memory analogue of a single SQLite
// writer connection.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.c.snapshot()
	if err := fn(ctx, s.c); err != nil {
		s.c = snapshot
		return err
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetTask(ctx, id)
}

func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.CreateTask(ctx, task)
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpdateTask(ctx, id, patch)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.DeleteTask(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListTasks(ctx, filter)
}

func (s *Store) AddComment(ctx context.Context, comment *store.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.AddComment(ctx, comment)
}

func (s *Store) ListComments(ctx context.Context, taskID string) ([]*store.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListComments(ctx, taskID)
}

func (s *Store) AddDeliverable(ctx context.Context, deliverable *store.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.AddDeliverable(ctx, deliverable)
}

func (s *Store) ListDeliverables(ctx context.Context, taskID string) ([]*store.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListDeliverables(ctx, taskID)
}

func (s *Store) DeleteDeliverable(ctx context.Context, taskID, deliverableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.DeleteDeliverable(ctx, taskID, deliverableID)
}

func (s *Store) LogActivity(ctx context.Context, entry *store.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.LogActivity(ctx, entry)
}

func (s *Store) ListActivity(ctx context.Context, filter store.ActivityFilter) ([]*store.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListActivity(ctx, filter)
}

func (s *Store) CreateSession(ctx context.Context, session *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.CreateSession(ctx, session)
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetSession(ctx, id)
}

func (s *Store) UpdateSession(ctx context.Context, session *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpdateSession(ctx, session)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.ListActiveSessions(ctx)
}

func (s *Store) GetWorkflowSettings(ctx context.Context) (*store.WorkflowSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.GetWorkflowSettings(ctx)
}

func (s *Store) PutWorkflowSettings(ctx context.Context, settings *store.WorkflowSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.PutWorkflowSettings(ctx, settings)
}

// snapshot deep-copies core so a failed transaction can be rolled back by
// discarding every write fn made and restoring this copy.
func (c *core) snapshot() *core {
	clone := &core{
		tasks:        make(map[string]*store.Task, len(c.tasks)),
		comments:     make(map[string][]*store.Comment, len(c.comments)),
		deliverables: make(map[string][]*store.Deliverable, len(c.deliverables)),
		activity:     append([]*store.ActivityEntry(nil), c.activity...),
		sessions:     make(map[string]*store.Session, len(c.sessions)),
		settings:     c.settings,
	}
	for id, task := range c.tasks {
		clone.tasks[id] = task.Clone()
	}
	for taskID, comments := range c.comments {
		clone.comments[taskID] = append([]*store.Comment(nil), comments...)
	}
	for taskID, deliverables := range c.deliverables {
		clone.deliverables[taskID] = append([]*store.Deliverable(nil), deliverables...)
	}
	for id, session := range c.sessions {
		s := *session
		clone.sessions[id] = &s
	}
	return clone
}

// core method set — unlocked, called only with Store.mu already held.

func (c *core) GetTask(ctx context.Context, id string) (*store.Task, error) {
	task, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	return task.Clone(), nil
}

func (c *core) CreateTask(ctx context.Context, task *store.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = store.StatusInbox
	}
	c.tasks[task.ID] = task.Clone()
	return nil
}

func (c *core) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	task, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	store.ApplyPatch(task, patch)
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

func (c *core) DeleteTask(ctx context.Context, id string) error {
	if _, ok := c.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	delete(c.tasks, id)
	delete(c.comments, id)
	delete(c.deliverables, id)
	return nil
}

func (c *core) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	var result []*store.Task
	for _, task := range c.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && (task.AssignedAgentID == nil || *task.AssignedAgentID != filter.AgentID) {
			continue
		}
		result = append(result, task.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Status != result[j].Status {
			return result[i].Status < result[j].Status
		}
		return result[i].SortOrder < result[j].SortOrder
	})
	return result, nil
}

func (c *core) AddComment(ctx context.Context, comment *store.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	c.comments[comment.TaskID] = append(c.comments[comment.TaskID], comment)
	return nil
}

func (c *core) ListComments(ctx context.Context, taskID string) ([]*store.Comment, error) {
	result := make([]*store.Comment, len(c.comments[taskID]))
	copy(result, c.comments[taskID])
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (c *core) AddDeliverable(ctx context.Context, deliverable *store.Deliverable) error {
	if deliverable.ID == "" {
		deliverable.ID = uuid.New().String()
	}
	if deliverable.CreatedAt.IsZero() {
		deliverable.CreatedAt = time.Now().UTC()
	}
	c.deliverables[deliverable.TaskID] = append(c.deliverables[deliverable.TaskID], deliverable)
	return nil
}

func (c *core) ListDeliverables(ctx context.Context, taskID string) ([]*store.Deliverable, error) {
	result := make([]*store.Deliverable, len(c.deliverables[taskID]))
	copy(result, c.deliverables[taskID])
	return result, nil
}

func (c *core) DeleteDeliverable(ctx context.Context, taskID, deliverableID string) error {
	list := c.deliverables[taskID]
	for i, d := range list {
		if d.ID == deliverableID {
			c.deliverables[taskID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memstore: deliverable %s on task %s: %w", deliverableID, taskID, apperrors.ErrNotFound)
}

func (c *core) LogActivity(ctx context.Context, entry *store.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	c.activity = append(c.activity, entry)
	return nil
}

func (c *core) ListActivity(ctx context.Context, filter store.ActivityFilter) ([]*store.ActivityEntry, error) {
	var matched []*store.ActivityEntry
	for _, entry := range c.activity {
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.TaskID != "" && (entry.TaskID == nil || *entry.TaskID != filter.TaskID) {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (c *core) CreateSession(ctx context.Context, session *store.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now
	c.sessions[session.ID] = session
	return nil
}

func (c *core) GetSession(ctx context.Context, id string) (*store.Session, error) {
	session, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrNotFound)
	}
	return session, nil
}

func (c *core) UpdateSession(ctx context.Context, session *store.Session) error {
	if _, ok := c.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, apperrors.ErrNotFound)
	}
	session.UpdatedAt = time.Now().UTC()
	c.sessions[session.ID] = session
	return nil
}

func (c *core) ListActiveSessions(ctx context.Context) ([]*store.Session, error) {
	var result []*store.Session
	for _, session := range c.sessions {
		switch session.Status {
		case store.SessionStatusPending, store.SessionStatusRunning, store.SessionStatusWaiting:
			result = append(result, session)
		}
	}
	return result, nil
}

func (c *core) GetWorkflowSettings(ctx context.Context) (*store.WorkflowSettings, error) {
	settings := *c.settings
	return &settings, nil
}

func (c *core) PutWorkflowSettings(ctx context.Context, settings *store.WorkflowSettings) error {
	c.settings = settings
	return nil
}
