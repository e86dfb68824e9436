package handlers

import (
	"net/http"
	"time"

	"transport-backend/internal/api/middleware"
	"transport-backend/internal/models"
	"transport-backend/internal/services"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type AssignmentHandler struct {
	assignmentService *services.AssignmentService
	validator         *validator.Validate
}

func NewAssignmentHandler(assignmentService *services.AssignmentService) *AssignmentHandler {
	return &AssignmentHandler{
		assignmentService: assignmentService,
		validator:         validator.New(),
	}
}

type AssignRequest struct {
	VehicleID      string    `json:"vehicleId" validate:"required,len=24,hexadecimal"`
	DriverID       string    `json:"driverId" validate:"required,len=24,hexadecimal"`
	Departure      time.Time `json:"departure" validate:"required"`
	Arrival        time.Time `json:"arrival" validate:"required,gtfield=Departure"`
	SafetyOverride bool      `json:"safetyOverride"`
	OverrideReason string    `json:"overrideReason" validate:"required_if=SafetyOverride true,max=500"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type TransitionRequest struct {
	Action string `json:"action" validate:"required,oneof=start complete cancel"`
}

// ProposeCandidates lists ranked vehicles and drivers for a request
func (h *AssignmentHandler) ProposeCandidates(c *gin.Context) {
	window, err := windowFromQuery(c)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	proposal, err := h.assignmentService.ProposeCandidates(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Candidates retrieved successfully", proposal)
}

// Assign books a vehicle and driver for a request
func (h *AssignmentHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request format"))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	caller, _ := middleware.CallerFrom(c)
	assignment, err := h.assignmentService.Assign(c.Request.Context(), services.AssignCommand{
		RequestID:      c.Param("id"),
		VehicleID:      req.VehicleID,
		DriverID:       req.DriverID,
		Window:         models.Window{Departure: req.Departure, Arrival: req.Arrival},
		SafetyOverride: req.SafetyOverride,
		OverrideReason: req.OverrideReason,
		Caller:         caller,
	})
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Assignment created successfully", assignment)
}

func (h *AssignmentHandler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request format"))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	caller, _ := middleware.CallerFrom(c)
	request, err := h.assignmentService.Reject(c.Request.Context(), c.Param("id"), req.Reason, caller)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Request rejected", request)
}

func (h *AssignmentHandler) CancelRequest(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)
	request, err := h.assignmentService.CancelRequest(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Request cancelled", request)
}

// Transition moves an assignment through start, complete or cancel
func (h *AssignmentHandler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request format"))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}
	action, _ := models.ParseAction(req.Action)

	caller, _ := middleware.CallerFrom(c)
	assignment, err := h.assignmentService.Transition(c.Request.Context(), c.Param("id"), action, caller)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Assignment updated", assignment)
}

func (h *AssignmentHandler) GetAssignment(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)
	assignment, err := h.assignmentService.GetAssignment(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Assignment retrieved successfully", assignment)
}

func (h *AssignmentHandler) ListActive(c *gin.Context) {
	assignments, err := h.assignmentService.ListActiveAssignments(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Active assignments retrieved successfully", assignments)
}

// windowFromQuery reads the optional departure/arrival pair (RFC 3339).
func windowFromQuery(c *gin.Context) (*models.Window, error) {
	departure, arrival := c.Query("departure"), c.Query("arrival")
	if departure == "" && arrival == "" {
		return nil, nil
	}
	if departure == "" || arrival == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "departure and arrival must be given together")
	}
	dep, err := time.Parse(time.RFC3339, departure)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "departure must be an RFC 3339 timestamp")
	}
	arr, err := time.Parse(time.RFC3339, arrival)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "arrival must be an RFC 3339 timestamp")
	}
	return &models.Window{Departure: dep, Arrival: arr}, nil
}
