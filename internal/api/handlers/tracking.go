package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"transport-backend/internal/api/middleware"
	"transport-backend/internal/models"
	"transport-backend/internal/services"
	"transport-backend/internal/websocket"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type TrackingHandler struct {
	trackingService *services.TrackingService
	manager         websocket.WebSocketManager
	validator       *validator.Validate
	log             logrus.FieldLogger

	// pollInterval is the cadence advertised to polling subscribers.
	pollInterval time.Duration
}

func NewTrackingHandler(trackingService *services.TrackingService, manager websocket.WebSocketManager, pollInterval time.Duration, log logrus.FieldLogger) *TrackingHandler {
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &TrackingHandler{
		trackingService: trackingService,
		manager:         manager,
		validator:       validator.New(),
		log:             log.WithField("component", "tracking_handler"),
		pollInterval:    pollInterval,
	}
}

// LocationRequest is one position sample from the driver's device. Range
// checks happen in the tracking service so that rejected reports are
// counted with the rest.
type LocationRequest struct {
	Lat       *float64  `json:"lat" validate:"required"`
	Lng       *float64  `json:"lng" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed"`
	Accuracy  *float64  `json:"accuracy"`
}

// IngestLocation applies a location report to a live session
func (h *TrackingHandler) IngestLocation(c *gin.Context) {
	var req LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request format"))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	current, err := h.trackingService.GetSnapshot(ctx, sessionID)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	caller, _ := middleware.CallerFrom(c)
	if !caller.IsAdmin() && !caller.Drives(current.DriverID) {
		utils.ErrorResponse(c, apperrors.New(apperrors.CodeForbidden, "only the assigned driver can report locations"))
		return
	}

	snap, err := h.trackingService.Ingest(ctx, sessionID, models.LocationReport{
		Lat:       *req.Lat,
		Lng:       *req.Lng,
		Timestamp: req.Timestamp,
		Speed:     req.Speed,
		Accuracy:  req.Accuracy,
	})
	if errors.Is(err, services.ErrSessionClosed) {
		h.log.WithField("session_id", sessionID).Debug("location report after session close dropped")
		c.JSON(http.StatusAccepted, gin.H{"status": "dropped"})
		return
	}
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Location accepted", snap)
}

// GetSnapshot returns the latest snapshot of a session. With ?since=<seq> it
// answers 304 until something newer exists.
func (h *TrackingHandler) GetSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")
	c.Header("X-Poll-Interval", strconv.Itoa(int(h.pollInterval.Seconds())))

	since := c.Query("since")
	if since == "" {
		snap, err := h.trackingService.GetSnapshot(ctx, sessionID)
		if err != nil {
			utils.ErrorResponse(c, err)
			return
		}
		utils.SuccessResponse(c, http.StatusOK, "Snapshot retrieved successfully", snap)
		return
	}

	seq, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		utils.ErrorResponse(c, apperrors.Wrap(apperrors.CodeValidation, err, "since must be a non-negative integer"))
		return
	}
	snap, newer, err := h.trackingService.SnapshotSince(ctx, sessionID, seq)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	if !newer {
		c.Status(http.StatusNotModified)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Snapshot retrieved successfully", snap)
}

// GetStats reports push subscribers and open sessions.
func (h *TrackingHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Tracking stats retrieved successfully", gin.H{
		"connectedClients": h.manager.GetConnectedClients(),
		"clients":          h.manager.GetClientStats(),
		"activeSessions":   h.trackingService.ActiveSessions(),
	})
}
