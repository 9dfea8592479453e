package models

import (
	"errors"
	"fmt"
	"log/slog"

	"forum/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// Error codes shared by the service and HTTP layers.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeConflict       = "CONFLICT"
	CodePartialFailure = "PARTIAL_FAILURE"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Any AppError with the same code matches.
var (
	ErrNotFound       = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrUnauthorized   = &AppError{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrConflict       = &AppError{Code: CodeConflict, Message: "conflict"}
	ErrPartialFailure = &AppError{Code: CodePartialFailure, Message: "partial failure"}
	ErrValidation     = &AppError{Code: CodeValidation, Message: "validation failed"}
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrorCode exposes the code to span recording.
func (e *AppError) ErrorCode() string {
	return e.Code
}

// Is reports whether target is an AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// NewPartialFailureError reports that step of a multi-write operation failed
// after earlier writes were committed.
func NewPartialFailureError(operation, step string, err error) *AppError {
	return &AppError{
		Code:    CodePartialFailure,
		Message: fmt.Sprintf("%s failed at step %q after earlier writes committed", operation, step),
		Err:     err,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// StatusFor maps an error to the HTTP status used by the API.
func StatusFor(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fiber.StatusInternalServerError
	}
	switch appErr.Code {
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeUnauthorized:
		return fiber.StatusForbidden
	case CodeConflict:
		return fiber.StatusConflict
	case CodeValidation:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondWithError creates a standardized error response. Server-side
// failures get a generic message; their cause only goes to the log.
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil && status < fiber.StatusInternalServerError {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: utils.StatusMessage(status),
		}
	}

	if status >= fiber.StatusInternalServerError {
		observability.GlobalLogger.ErrorContext(c.UserContext(), "request failed",
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		switch response.Code {
		case CodePartialFailure:
			response.Error = "The change was partially applied and will be completed automatically"
		default:
			response.Error = "Internal server error"
		}
	}

	return c.Status(status).JSON(response)
}

// Respond writes err using the status derived from its code.
func Respond(c *fiber.Ctx, err error) error {
	return RespondWithError(c, StatusFor(err), err)
}
