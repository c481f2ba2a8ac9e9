package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// addComment handles POST /tasks/comments.
func (h *Handler) addComment(c *gin.Context) {
	var req addCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	comment := &store.Comment{
		TaskID:     req.TaskID,
		AuthorType: store.CommentAuthorUser,
		Content:    req.Content,
	}
	if err := h.app.Store.AddComment(c.Request.Context(), comment); err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to add comment")
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// listComments handles GET /tasks/comments?taskId=.
func (h *Handler) listComments(c *gin.Context) {
	taskID := c.Query("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}
	comments, err := h.app.Store.ListComments(c.Request.Context(), taskID)
	if err != nil {
		apperrors.HandleHTTPError(c, h.log, err, "failed to list comments")
		return
	}
	c.JSON(http.StatusOK, comments)
}
