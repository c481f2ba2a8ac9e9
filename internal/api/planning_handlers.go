package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
)

// startPlanning handles POST /tasks/{id}/planning. Start itself returns
// apperrors.ErrConflict (mapped to 409 by HandleHTTPError) when planning is
// already underway for the task.
func (h *Handler) startPlanning(c *gin.Context) {
	id := c.Param("id")
	if err := h.app.Planning.Start(c.Request.Context(), id); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to start planning")
		return
	}
	c.Status(http.StatusCreated)
}

// planningSnapshot handles GET /tasks/{id}/planning.
func (h *Handler) planningSnapshot(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.app.Planning.Poll(c.Request.Context(), id)
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to load planning snapshot")
		return
	}
	c.JSON(http.StatusOK, planningSnapshotResponse{
		QuestionWaiting: snap.QuestionWaiting,
		Complete:        snap.Complete,
		Spec:            snap.Spec,
	})
}

// planningPoll handles GET /tasks/{id}/planning/poll: identical to the
// snapshot endpoint today (Poll() is already incremental-safe to call
// repeatedly), kept as a distinct route per spec.md §6's external surface.
func (h *Handler) planningPoll(c *gin.Context) {
	h.planningSnapshot(c)
}

// answerPlanning handles POST /tasks/{id}/planning/answer.
func (h *Handler) answerPlanning(c *gin.Context) {
	id := c.Param("id")
	var req planningAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	answer := req.Answer
	if req.OtherText != "" {
		answer = req.OtherText
	}
	if err := h.app.Planning.Answer(c.Request.Context(), id, answer); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to record planning answer")
		return
	}
	c.Status(http.StatusNoContent)
}

// approvePlanning handles POST /tasks/{id}/planning/approve.
func (h *Handler) approvePlanning(c *gin.Context) {
	id := c.Param("id")
	if err := h.app.Planning.Approve(c.Request.Context(), id); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to approve planning")
		return
	}
	c.Status(http.StatusNoContent)
}

// cancelPlanning handles DELETE /tasks/{id}/planning.
func (h *Handler) cancelPlanning(c *gin.Context) {
	id := c.Param("id")
	if err := h.app.Planning.Cancel(c.Request.Context(), id); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to cancel planning")
		return
	}
	c.Status(http.StatusNoContent)
}
