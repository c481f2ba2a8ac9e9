package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/missioncontrol/missioncontrol/internal/app"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/tracing"
)

// Handler holds the wired App every route reads or mutates through.
type Handler struct {
	app *app.App
	log *logging.Logger
}

// NewRouter builds the gin Engine exposing every spec.md §6 endpoint over a.
func NewRouter(a *app.App) *gin.Engine {
	if a.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &Handler{app: a, log: a.Log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(tracingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "missioncontrold"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/tasks", h.createTask)
	r.GET("/tasks", h.listTasks)
	r.PATCH("/tasks", h.patchTask)
	r.DELETE("/tasks", h.deleteTask)
	r.POST("/tasks/dispatch", h.dispatchTask)
	r.GET("/tasks/check-completion", h.checkCompletion)
	r.POST("/tasks/reconcile", h.reconcile)
	r.POST("/tasks/comments", h.addComment)
	r.GET("/tasks/comments", h.listComments)

	r.POST("/tasks/:id/planning", h.startPlanning)
	r.GET("/tasks/:id/planning", h.planningSnapshot)
	r.GET("/tasks/:id/planning/poll", h.planningPoll)
	r.POST("/tasks/:id/planning/answer", h.answerPlanning)
	r.POST("/tasks/:id/planning/approve", h.approvePlanning)
	r.DELETE("/tasks/:id/planning", h.cancelPlanning)

	r.POST("/tasks/:id/orchestrate", h.orchestrate)

	r.POST("/tasks/:id/deliverables", h.addDeliverable)
	r.GET("/tasks/:id/deliverables", h.listDeliverables)
	r.DELETE("/tasks/:id/deliverables/:deliverableId", h.deleteDeliverable)

	r.GET("/events/stream", h.eventsStream)

	return r
}

// corsMiddleware mirrors the teacher's cmd/kandev/main.go corsMiddleware:
// Mission Control's API and its web UI are served from different origins in
// development, so every route needs the same permissive CORS headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// tracingMiddleware opens one span per request, grounded on the teacher's
// internal/common/httpmw.OtelTracing gin middleware.
func tracingMiddleware() gin.HandlerFunc {
	tracer := tracing.Default()
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
