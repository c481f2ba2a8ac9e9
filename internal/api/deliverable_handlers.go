package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// addDeliverable handles POST /tasks/{id}/deliverables.
func (h *Handler) addDeliverable(c *gin.Context) {
	taskID := c.Param("id")
	var req addDeliverableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deliverable := &store.Deliverable{
		TaskID:          taskID,
		DeliverableType: req.DeliverableType,
		Title:           req.Title,
		Path:            req.Path,
		Description:     req.Description,
	}
	if err := h.app.Store.AddDeliverable(c.Request.Context(), deliverable); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to add deliverable")
		return
	}
	c.JSON(http.StatusCreated, deliverable)
}

// listDeliverables handles GET /tasks/{id}/deliverables.
func (h *Handler) listDeliverables(c *gin.Context) {
	taskID := c.Param("id")
	deliverables, err := h.app.Store.ListDeliverables(c.Request.Context(), taskID)
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to list deliverables")
		return
	}
	c.JSON(http.StatusOK, deliverables)
}

// deleteDeliverable handles DELETE /tasks/{id}/deliverables/{deliverableId}.
func (h *Handler) deleteDeliverable(c *gin.Context) {
	taskID := c.Param("id")
	deliverableID := c.Param("deliverableId")
	if err := h.app.Store.DeleteDeliverable(c.Request.Context(), taskID, deliverableID); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to delete deliverable")
		return
	}
	c.Status(http.StatusNoContent)
}
