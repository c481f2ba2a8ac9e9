// Package store defines Mission Control's persistent record model and the
// transactional Store contract the lifecycle engine is built against.
package store

import (
	"encoding/json"
	"time"
)

// Priority is the task priority enum.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is the task status enum driving the lifecycle state machine.
type Status string

const (
	StatusInbox       Status = "inbox"
	StatusPlanning    Status = "planning"
	StatusAssigned    Status = "assigned"
	StatusInProgress  Status = "in_progress"
	StatusTesting     Status = "testing"
	StatusReview      Status = "review"
	StatusDone        Status = "done"
)

// Task is Mission Control's primary entity.
type Task struct {
	ID          string   `db:"id" json:"id"`
	Title       string   `db:"title" json:"title"`
	Description string   `db:"description" json:"description"`
	Priority    Priority `db:"priority" json:"priority"`
	Status      Status   `db:"status" json:"status"`

	AssignedAgentID    *string `db:"assigned_agent_id" json:"assigned_agent_id,omitempty"`
	OpenclawSessionKey *string `db:"openclaw_session_key" json:"openclaw_session_key,omitempty"`

	DispatchID                *string    `db:"dispatch_id" json:"dispatch_id,omitempty"`
	DispatchStartedAt         *time.Time `db:"dispatch_started_at" json:"dispatch_started_at,omitempty"`
	DispatchMessageCountStart *int       `db:"dispatch_message_count_start" json:"dispatch_message_count_start,omitempty"`

	PlanningSessionKey    *string `db:"planning_session_key" json:"planning_session_key,omitempty"`
	PlanningMessages      *string `db:"planning_messages" json:"planning_messages,omitempty"`
	PlanningComplete      bool    `db:"planning_complete" json:"planning_complete"`
	PlanningSpec          *string `db:"planning_spec" json:"planning_spec,omitempty"`
	PlanningDispatchError *string `db:"planning_dispatch_error" json:"planning_dispatch_error,omitempty"`
	PlanningQuestionWaiting bool  `db:"planning_question_waiting" json:"planning_question_waiting"`

	OrchestratorSessionKey *string `db:"orchestrator_session_key" json:"orchestrator_session_key,omitempty"`
	TesterSessionKey       *string `db:"tester_session_key" json:"tester_session_key,omitempty"`
	ReworkCount            int     `db:"rework_count" json:"rework_count"`

	SortOrder int       `db:"sort_order" json:"sort_order"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// corrupting the store's committed state (mirrors the in-memory repository's
// copy-on-read discipline).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.AssignedAgentID != nil {
		v := *t.AssignedAgentID
		clone.AssignedAgentID = &v
	}
	if t.OpenclawSessionKey != nil {
		v := *t.OpenclawSessionKey
		clone.OpenclawSessionKey = &v
	}
	if t.DispatchID != nil {
		v := *t.DispatchID
		clone.DispatchID = &v
	}
	if t.DispatchStartedAt != nil {
		v := *t.DispatchStartedAt
		clone.DispatchStartedAt = &v
	}
	if t.DispatchMessageCountStart != nil {
		v := *t.DispatchMessageCountStart
		clone.DispatchMessageCountStart = &v
	}
	if t.PlanningSessionKey != nil {
		v := *t.PlanningSessionKey
		clone.PlanningSessionKey = &v
	}
	if t.PlanningMessages != nil {
		v := *t.PlanningMessages
		clone.PlanningMessages = &v
	}
	if t.PlanningSpec != nil {
		v := *t.PlanningSpec
		clone.PlanningSpec = &v
	}
	if t.PlanningDispatchError != nil {
		v := *t.PlanningDispatchError
		clone.PlanningDispatchError = &v
	}
	if t.OrchestratorSessionKey != nil {
		v := *t.OrchestratorSessionKey
		clone.OrchestratorSessionKey = &v
	}
	if t.TesterSessionKey != nil {
		v := *t.TesterSessionKey
		clone.TesterSessionKey = &v
	}
	return &clone
}

// CommentAuthorType enumerates who authored a Comment.
type CommentAuthorType string

const (
	CommentAuthorAgent  CommentAuthorType = "agent"
	CommentAuthorUser   CommentAuthorType = "user"
	CommentAuthorSystem CommentAuthorType = "system"
)

// Comment is an append-only note attached to a Task.
type Comment struct {
	ID         string            `db:"id" json:"id"`
	TaskID     string            `db:"task_id" json:"task_id"`
	AuthorType CommentAuthorType `db:"author_type" json:"author_type"`
	AgentID    *string           `db:"agent_id" json:"agent_id,omitempty"`
	Content    string            `db:"content" json:"content"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// DeliverableType enumerates the kind of artifact a Deliverable references.
type DeliverableType string

const (
	DeliverableFile     DeliverableType = "file"
	DeliverableURL      DeliverableType = "url"
	DeliverableArtifact DeliverableType = "artifact"
)

// Deliverable is an output a Task produced.
type Deliverable struct {
	ID              string          `db:"id" json:"id"`
	TaskID          string          `db:"task_id" json:"task_id"`
	DeliverableType DeliverableType `db:"deliverable_type" json:"deliverable_type"`
	Title           string          `db:"title" json:"title"`
	Path            *string         `db:"path" json:"path,omitempty"`
	Description     *string         `db:"description" json:"description,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// ActivityEntry is an append-only audit record of something that happened to
// a Task or agent. The state machine writes one on every status change.
type ActivityEntry struct {
	ID        string          `db:"id" json:"id"`
	Type      string          `db:"type" json:"type"`
	TaskID    *string         `db:"task_id" json:"task_id,omitempty"`
	AgentID   *string         `db:"agent_id" json:"agent_id,omitempty"`
	Message   string          `db:"message" json:"message"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// SessionStatus enumerates a Session's lifecycle state.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusStopped   SessionStatus = "stopped"
)

// Session records an external chat-gateway session opened on behalf of a
// Task (dispatch, orchestrator routing, planning, or testing).
type Session struct {
	ID                string        `db:"id" json:"id"`
	OpenclawSessionID  string        `db:"openclaw_session_id" json:"openclaw_session_id"`
	SessionType        string        `db:"session_type" json:"session_type"`
	TaskID             *string       `db:"task_id" json:"task_id,omitempty"`
	AgentID            *string       `db:"agent_id" json:"agent_id,omitempty"`
	Status             SessionStatus `db:"status" json:"status"`
	ErrorMessage        string        `db:"error_message" json:"error_message,omitempty"`
	StartedAt          time.Time     `db:"started_at" json:"started_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
	CompletedAt        *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// WorkflowSettings is the process-wide singleton read on every routing decision.
type WorkflowSettings struct {
	OrchestratorAgentID *string `db:"orchestrator_agent_id" json:"orchestrator_agent_id,omitempty"`
	PlannerAgentID      *string `db:"planner_agent_id" json:"planner_agent_id,omitempty"`
	TesterAgentID       *string `db:"tester_agent_id" json:"tester_agent_id,omitempty"`
	MaxReworkCycles     int     `db:"max_rework_cycles" json:"max_rework_cycles"`
}
