package utils

import (
	"errors"
	"net/http"

	apperrors "transport-backend/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// APIResponse represents a standard API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the machine readable part of a failed response.
type ErrorBody struct {
	Code      apperrors.Code `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   interface{}    `json:"details,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse renders err using its code metadata. Errors without a code
// are reported as internal and their text is not exposed.
func ErrorResponse(c *gin.Context, err error) {
	appErr := apperrors.As(err)
	if appErr == nil {
		appErr = apperrors.Wrap(apperrors.CodeInternal, err, "")
	}
	meta := apperrors.MetadataFor(appErr.Code())

	body := &ErrorBody{
		Code:      appErr.Code(),
		Message:   meta.PublicMessage,
		Retryable: meta.Retryable,
	}
	if meta.DetailsAllowed {
		if msg := appErr.Message(); msg != "" {
			body.Message = msg
		}
		body.Details = appErr.Details()
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(meta.HTTPStatus, APIResponse{
		Success: false,
		Message: body.Message,
		Error:   body,
	})
}

// ValidationErrorResponse sends a validation error response
func ValidationErrorResponse(c *gin.Context, err error) {
	var messages []string

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldError := range validationErrors {
			messages = append(messages, getValidationErrorMessage(fieldError))
		}
	} else {
		messages = append(messages, err.Error())
	}

	c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &ErrorBody{
			Code:    apperrors.CodeValidation,
			Message: "validation failed",
			Details: messages,
		},
	})
}

// getValidationErrorMessage returns a user-friendly validation error message
func getValidationErrorMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()

	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must be at least " + fieldError.Param()
	case "max":
		return field + " must be at most " + fieldError.Param()
	case "gte":
		return field + " must be greater than or equal to " + fieldError.Param()
	case "lte":
		return field + " must be less than or equal to " + fieldError.Param()
	case "gtfield":
		return field + " must be after " + fieldError.Param()
	case "oneof":
		return field + " must be one of: " + fieldError.Param()
	default:
		return field + " is invalid"
	}
}
