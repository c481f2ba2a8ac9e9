package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/dispatcher"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// createTask handles POST /tasks.
func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}

	task := &store.Task{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        priority,
		Status:          store.StatusInbox,
		AssignedAgentID: req.AssignedAgentID,
	}
	if err := h.app.Store.CreateTask(c.Request.Context(), task); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to create task")
		return
	}
	c.JSON(http.StatusCreated, task)
}

// listTasks handles GET /tasks?status=&agent=.
func (h *Handler) listTasks(c *gin.Context) {
	filter := store.TaskFilter{
		Status:  store.Status(c.Query("status")),
		AgentID: c.Query("agent"),
	}
	tasks, err := h.app.Store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// patchTask handles PATCH /tasks. A status change always routes through
// the State Machine (spec.md §6); every other field is a direct store
// patch, since only Status carries guarded-transition semantics.
func (h *Handler) patchTask(c *gin.Context) {
	var req patchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fieldPatch := store.TaskPatch{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		AssignedAgentID: req.AssignedAgentID,
	}

	if req.Status != nil {
		result, err := h.app.Machine.Transition(c.Request.Context(), req.ID, *req.Status, statemachine.Options{
			Actor:  "user",
			Reason: "manual_status_change",
			Patch:  &fieldPatch,
		})
		if err != nil {
			apperrors.HandleHTTPError(c, h.log, err, "failed to update task")
			return
		}
		if result.Blocked != "" {
			c.JSON(http.StatusConflict, gin.H{"error": result.Blocked})
			return
		}
		c.JSON(http.StatusOK, result.Task)
		return
	}

	task, err := h.app.Store.UpdateTask(c.Request.Context(), req.ID, fieldPatch)
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to update task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// deleteTask handles DELETE /tasks?id=.
func (h *Handler) deleteTask(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if err := h.app.Store.DeleteTask(c.Request.Context(), id); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to delete task")
		return
	}
	c.Status(http.StatusNoContent)
}

// dispatchTask handles POST /tasks/dispatch.
func (h *Handler) dispatchTask(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.app.Dispatcher.Dispatch(c.Request.Context(), dispatcher.Request{
		TaskID:   req.TaskID,
		AgentID:  req.AgentID,
		Feedback: req.Feedback,
		Model:    req.Model,
		Provider: req.Provider,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			apperrors.HandleHTTPError(c, h.log, err, "task not found")
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if result.Deduped {
		c.JSON(http.StatusOK, dispatchResponse{
			Deduped:      true,
			DedupeReason: string(result.DedupeReason),
			DispatchID:   result.DispatchID,
			Task:         result.Task,
		})
		return
	}
	c.JSON(http.StatusAccepted, dispatchResponse{DispatchID: result.DispatchID, Task: result.Task})
}

// checkCompletion handles GET /tasks/check-completion: it runs the
// Reconciler, then polls each active task's monitor session once and
// applies the Completion Gate, per spec.md §6.
func (h *Handler) checkCompletion(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.app.Reconciler.Run(ctx); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to reconcile")
		return
	}

	resp := checkCompletionResponse{Completed: []string{}}
	for _, status := range []store.Status{store.StatusAssigned, store.StatusInProgress, store.StatusTesting} {
		tasks, err := h.app.Store.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			apperrors.HandleHTTPError(c, h.log, err, "failed to list tasks")
			return
		}
		for _, task := range tasks {
			if task.OpenclawSessionKey == nil || *task.OpenclawSessionKey == "" {
				continue
			}
			resp.Checked++
			_, accepted := h.app.Monitors.PollSessionNow(ctx, *task.OpenclawSessionKey)
			if accepted {
				resp.Completed = append(resp.Completed, task.ID)
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// reconcile handles POST /tasks/reconcile: an on-demand Reconciler pass.
func (h *Handler) reconcile(c *gin.Context) {
	report, err := h.app.Reconciler.Run(c.Request.Context())
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to reconcile")
		return
	}
	reconciled := report.Reconciled
	if reconciled == nil {
		reconciled = []string{}
	}
	c.JSON(http.StatusOK, reconcileResponse{Checked: report.Checked, Reconciled: reconciled})
}
