package routes

import (
	"time"

	"transport-backend/internal/api/handlers"
	"transport-backend/internal/api/middleware"
	"transport-backend/internal/models"
	"transport-backend/internal/services"
	"transport-backend/internal/websocket"
	"transport-backend/pkg/jwt"
	"transport-backend/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Dependencies are the wired services behind the HTTP API. Limiter and
// Gatherer are optional.
type Dependencies struct {
	Assignments  *services.AssignmentService
	Availability *services.AvailabilityService
	Tracking     *services.TrackingService
	Hub          websocket.WebSocketManager
	Health       *handlers.HealthHandler
	JWT          *jwt.JWTUtil
	Limiter      ratelimit.RateLimiter
	Gatherer     prometheus.Gatherer
	PollInterval time.Duration
	Log          logrus.FieldLogger
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	assignmentHandler := handlers.NewAssignmentHandler(deps.Assignments)
	availabilityHandler := handlers.NewAvailabilityHandler(deps.Availability)
	trackingHandler := handlers.NewTrackingHandler(deps.Tracking, deps.Hub, deps.PollInterval, deps.Log)
	wsHandler := handlers.NewWebSocketHandler(deps.Hub, deps.Log)

	limit := func(category string) gin.HandlerFunc {
		if deps.Limiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimitMiddleware(deps.Limiter, category, deps.Log)
	}
	adminOnly := middleware.RequireRoles(models.RoleAdmin)

	router.GET("/health", deps.Health.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(deps.JWT, deps.Log))
	{
		requests := api.Group("/requests")
		{
			requests.GET("/:id/candidates", adminOnly, limit(ratelimit.CategoryDefault), assignmentHandler.ProposeCandidates)
			requests.POST("/:id/assignments", adminOnly, limit(ratelimit.CategoryAssign), assignmentHandler.Assign)
			requests.POST("/:id/reject", adminOnly, limit(ratelimit.CategoryDefault), assignmentHandler.Reject)
			requests.POST("/:id/cancel", limit(ratelimit.CategoryDefault), assignmentHandler.CancelRequest)
		}

		assignments := api.Group("/assignments")
		{
			assignments.GET("/active", adminOnly, limit(ratelimit.CategoryDefault), assignmentHandler.ListActive)
			assignments.GET("/:id", limit(ratelimit.CategoryDefault), assignmentHandler.GetAssignment)
			assignments.POST("/:id/transitions", limit(ratelimit.CategoryDefault), assignmentHandler.Transition)
		}

		api.GET("/resources/availability", adminOnly, limit(ratelimit.CategoryDefault), availabilityHandler.GetAvailability)

		tracking := api.Group("/tracking")
		{
			tracking.GET("/ws", wsHandler.HandleWebSocket)
			tracking.GET("/stats", adminOnly, trackingHandler.GetStats)
			tracking.DELETE("/clients/:clientId", adminOnly, wsHandler.DisconnectClient)
			tracking.POST("/:sessionId/locations", limit(ratelimit.CategoryLocations), trackingHandler.IngestLocation)
			tracking.GET("/:sessionId/snapshot", limit(ratelimit.CategorySnapshot), trackingHandler.GetSnapshot)
		}
	}
}
