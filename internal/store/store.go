package store

import (
	"context"
	"time"
)

// TaskFilter narrows ListTasks results. Zero-value fields are unconstrained.
type TaskFilter struct {
	Status  Status
	AgentID string
}

// TaskPatch is a partial Task update; nil fields are left untouched.
// Clearing a nullable field (e.g. releasing a dispatch claim) is expressed
// with the explicit Clear* flags rather than a pointer-to-nil, since a Go
// pointer field can't otherwise distinguish "don't touch" from "set to null".
type TaskPatch struct {
	Title       *string
	Description *string
	Priority    *Priority
	Status      *Status

	AssignedAgentID      *string
	ClearAssignedAgentID bool
	OpenclawSessionKey      *string
	ClearOpenclawSessionKey bool

	DispatchID                *string
	DispatchStartedAt         *time.Time
	DispatchMessageCountStart *int
	ClearDispatch              bool // clears DispatchID, DispatchStartedAt, DispatchMessageCountStart together

	PlanningSessionKey      *string
	PlanningMessages        *string
	PlanningComplete        *bool
	PlanningSpec            *string
	PlanningDispatchError   *string
	ClearPlanningDispatchError bool
	PlanningQuestionWaiting *bool
	ClearPlanningSession    bool // clears every planning_* field together (Cancel)

	OrchestratorSessionKey *string
	TesterSessionKey       *string
	ReworkCount            *int

	SortOrder *int
}

// ActivityFilter narrows ListActivity results.
type ActivityFilter struct {
	Type   string
	TaskID string
	Limit  int
}

// Tx is a transaction handle passed to the function given to Store.Transaction.
// All Store methods are valid within it and are serialized against any other
// in-flight transaction.
type Tx interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	CreateTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	AddComment(ctx context.Context, comment *Comment) error
	ListComments(ctx context.Context, taskID string) ([]*Comment, error)

	AddDeliverable(ctx context.Context, deliverable *Deliverable) error
	ListDeliverables(ctx context.Context, taskID string) ([]*Deliverable, error)
	DeleteDeliverable(ctx context.Context, taskID, deliverableID string) error

	LogActivity(ctx context.Context, entry *ActivityEntry) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]*ActivityEntry, error)

	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	ListActiveSessions(ctx context.Context) ([]*Session, error)

	GetWorkflowSettings(ctx context.Context) (*WorkflowSettings, error)
	PutWorkflowSettings(ctx context.Context, settings *WorkflowSettings) error
}

// ApplyPatch mutates task in place per patch's semantics. It is the single
// definition of what a TaskPatch means, shared by every backend (memstore,
// sqlite) so "what does ClearDispatch clear" is answered once rather than
// reimplemented per backend.
func ApplyPatch(task *Task, patch TaskPatch) {
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}

	if patch.ClearAssignedAgentID {
		task.AssignedAgentID = nil
	} else if patch.AssignedAgentID != nil {
		task.AssignedAgentID = patch.AssignedAgentID
	}
	if patch.ClearOpenclawSessionKey {
		task.OpenclawSessionKey = nil
	} else if patch.OpenclawSessionKey != nil {
		task.OpenclawSessionKey = patch.OpenclawSessionKey
	}

	if patch.ClearDispatch {
		task.DispatchID = nil
		task.DispatchStartedAt = nil
		task.DispatchMessageCountStart = nil
	} else {
		if patch.DispatchID != nil {
			task.DispatchID = patch.DispatchID
		}
		if patch.DispatchStartedAt != nil {
			task.DispatchStartedAt = patch.DispatchStartedAt
		}
		if patch.DispatchMessageCountStart != nil {
			task.DispatchMessageCountStart = patch.DispatchMessageCountStart
		}
	}

	if patch.ClearPlanningSession {
		task.PlanningSessionKey = nil
		task.PlanningMessages = nil
		task.PlanningComplete = false
		task.PlanningSpec = nil
		task.PlanningDispatchError = nil
		task.PlanningQuestionWaiting = false
	} else {
		if patch.PlanningSessionKey != nil {
			task.PlanningSessionKey = patch.PlanningSessionKey
		}
		if patch.PlanningMessages != nil {
			task.PlanningMessages = patch.PlanningMessages
		}
		if patch.PlanningComplete != nil {
			task.PlanningComplete = *patch.PlanningComplete
		}
		if patch.PlanningSpec != nil {
			task.PlanningSpec = patch.PlanningSpec
		}
		if patch.ClearPlanningDispatchError {
			task.PlanningDispatchError = nil
		} else if patch.PlanningDispatchError != nil {
			task.PlanningDispatchError = patch.PlanningDispatchError
		}
		if patch.PlanningQuestionWaiting != nil {
			task.PlanningQuestionWaiting = *patch.PlanningQuestionWaiting
		}
	}

	if patch.OrchestratorSessionKey != nil {
		task.OrchestratorSessionKey = patch.OrchestratorSessionKey
	}
	if patch.TesterSessionKey != nil {
		task.TesterSessionKey = patch.TesterSessionKey
	}
	if patch.ReworkCount != nil {
		task.ReworkCount = *patch.ReworkCount
	}
	if patch.SortOrder != nil {
		task.SortOrder = *patch.SortOrder
	}
}

// Store is Mission Control's transactional record store (spec.md C1).
// Every mutation that changes Task.Status must go through the state machine,
// which writes the matching ActivityEntry in the same transaction — Store
// itself enforces nothing beyond atomicity and serializability.
type Store interface {
	Tx

	// Transaction runs fn against a serialized view of the store; fn's writes
	// commit atomically iff fn returns a nil error.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}
