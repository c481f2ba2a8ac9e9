package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
)

// orchestrate handles POST /tasks/{id}/orchestrate: a manual trigger for one
// of the three phase routers, per spec.md §6. Returns 400 if no orchestrator
// agent is configured rather than letting the router's plain error surface
// as a 500, since an unconfigured orchestrator is a client-visible
// precondition failure, not an internal fault.
func (h *Handler) orchestrate(c *gin.Context) {
	id := c.Param("id")
	var req orchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	settings, err := h.app.Store.GetWorkflowSettings(ctx)
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to load workflow settings")
		return
	}
	if settings.OrchestratorAgentID == nil || *settings.OrchestratorAgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no orchestrator agent configured"})
		return
	}

	switch req.Phase {
	case "after_planning":
		err = h.app.Orchestrator.AfterPlanning(ctx, id)
	case "after_completion":
		err = h.app.Orchestrator.AfterCompletion(ctx, id)
	case "after_testing":
		err = h.app.Orchestrator.AfterTesting(ctx, id)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "phase must be after_planning, after_completion, or after_testing"})
		return
	}
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to run orchestrator phase")
		return
	}
	c.Status(http.StatusNoContent)
}
