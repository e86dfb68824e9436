package handlers

import (
	"context"
	"net/http"
	"time"

	"transport-backend/pkg/batch"
	"transport-backend/pkg/database"
	"transport-backend/pkg/redis"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
)

type HealthHandler struct {
	db          *mongo.Database
	redisClient *redis.Client
	writer      batch.BatchProcessor
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}

// NewHealthHandler takes the optional backends in use. A nil database means
// the in-memory store; a nil redis client means Redis is disabled.
func NewHealthHandler(db *mongo.Database, redisClient *redis.Client, writer batch.BatchProcessor) *HealthHandler {
	return &HealthHandler{
		db:          db,
		redisClient: redisClient,
		writer:      writer,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	response := HealthResponse{
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]interface{}),
	}

	overallHealthy := true

	mongoStatus := h.checkMongoDB(ctx)
	response.Services["mongodb"] = mongoStatus
	if !mongoStatus["healthy"].(bool) {
		overallHealthy = false
	}

	redisStatus := h.checkRedis(ctx)
	response.Services["redis"] = redisStatus
	if !redisStatus["healthy"].(bool) {
		overallHealthy = false
	}

	// The snapshot writer degrades persistence only, never the live API.
	if h.writer != nil {
		response.Services["snapshotWriter"] = h.writer.GetBatchStats()
	}

	if overallHealthy {
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
	} else {
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

func (h *HealthHandler) checkMongoDB(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"service": "mongodb",
		"healthy": false,
	}

	if h.db == nil {
		status["healthy"] = true
		status["message"] = "disabled"
		return status
	}

	if err := database.Health(ctx, h.db); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["healthy"] = true
	status["message"] = "Connected"
	return status
}

func (h *HealthHandler) checkRedis(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"service": "redis",
		"healthy": false,
	}

	if h.redisClient == nil {
		status["healthy"] = true
		status["message"] = "disabled"
		return status
	}

	healthStatus := h.redisClient.HealthCheck(ctx)
	status["healthy"] = healthStatus.IsConnected
	status["connectionInfo"] = healthStatus.ConnectionInfo
	status["responseTime"] = healthStatus.ResponseTime.String()
	status["lastPing"] = healthStatus.LastPing
	if healthStatus.Error != "" {
		status["error"] = healthStatus.Error
	}
	status["connectionStats"] = h.redisClient.GetConnectionStats()

	return status
}
