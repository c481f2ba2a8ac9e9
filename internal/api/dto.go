// Package api is Mission Control's HTTP transport: a gin router exposing
// the lifecycle engine's operations as JSON over REST plus an SSE event
// stream, grounded on the teacher's internal/task/api Handler/DTO split
// (backend/internal/task/api/handlers.go) — a thin per-resource Handler
// struct translating request/response DTOs to and from the domain layer,
// with domain errors mapped centrally rather than per handler.
package api

import (
	"encoding/json"
	"time"

	"github.com/missioncontrol/missioncontrol/internal/store"
)

// Task responses serialize *store.Task directly — its json tags are
// already the wire shape, and the core has no internal bookkeeping that
// needs hiding from API consumers, so no parallel response type is needed.

// createTaskRequest is POST /tasks's body.
type createTaskRequest struct {
	Title           string        `json:"title" binding:"required"`
	Description     string        `json:"description"`
	Priority        store.Priority `json:"priority"`
	AssignedAgentID *string       `json:"assigned_agent_id"`
}

// patchTaskRequest is PATCH /tasks's body. ID identifies the task; every
// other non-nil field is applied via store.TaskPatch. Status, when set,
// always routes through the State Machine rather than a direct store write.
type patchTaskRequest struct {
	ID              string          `json:"id" binding:"required"`
	Title           *string         `json:"title"`
	Description     *string         `json:"description"`
	Priority        *store.Priority `json:"priority"`
	Status          *store.Status   `json:"status"`
	AssignedAgentID *string         `json:"assigned_agent_id"`
}

// dispatchRequest is POST /tasks/dispatch's body.
type dispatchRequest struct {
	TaskID   string `json:"taskId" binding:"required"`
	AgentID  string `json:"agentId" binding:"required"`
	Feedback string `json:"feedback"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// dispatchResponse reports either a successful dispatch or a dedupe.
type dispatchResponse struct {
	Deduped      bool   `json:"deduped,omitempty"`
	DedupeReason string `json:"reason,omitempty"`
	DispatchID   string `json:"dispatchId,omitempty"`
	Task         *store.Task `json:"task,omitempty"`
}

// checkCompletionResponse is GET /tasks/check-completion's body.
type checkCompletionResponse struct {
	Checked   int      `json:"checked"`
	Completed []string `json:"completed"`
}

// planningAnswerRequest is POST /tasks/{id}/planning/answer's body.
type planningAnswerRequest struct {
	Answer    string `json:"answer" binding:"required"`
	OtherText string `json:"otherText"`
}

// planningSnapshotResponse is the shape returned by both the planning
// snapshot and incremental-poll endpoints.
type planningSnapshotResponse struct {
	QuestionWaiting bool            `json:"questionWaiting"`
	Complete        bool            `json:"complete"`
	Spec            json.RawMessage `json:"spec,omitempty"`
}

// orchestrateRequest is POST /tasks/{id}/orchestrate's body.
type orchestrateRequest struct {
	Phase string `json:"phase" binding:"required"`
}

// reconcileResponse is POST /tasks/reconcile's body.
type reconcileResponse struct {
	Checked    int      `json:"checked"`
	Reconciled []string `json:"reconciled"`
}

// addDeliverableRequest is POST /tasks/{id}/deliverables's body.
type addDeliverableRequest struct {
	DeliverableType store.DeliverableType `json:"deliverable_type" binding:"required"`
	Title           string                `json:"title" binding:"required"`
	Path            *string               `json:"path"`
	Description     *string               `json:"description"`
}

// addCommentRequest is POST /tasks/comments's body.
type addCommentRequest struct {
	TaskID  string `json:"taskId" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// sseEvent is the wire shape of one event/stream frame.
type sseEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
