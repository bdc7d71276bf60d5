package response

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Error codes shared by HTTP responses and websocket error events.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUpscaleFailed   = "UPSCALE_FAILED"
	CodeServiceError    = "SERVICE_ERROR"
)

var statusByCode = map[string]int{
	CodeValidationError: fiber.StatusBadRequest,
	CodeUnauthorized:    fiber.StatusUnauthorized,
	CodeForbidden:       fiber.StatusForbidden,
	CodeNotFound:        fiber.StatusNotFound,
	CodeConflict:        fiber.StatusConflict,
	CodeRateLimited:     fiber.StatusTooManyRequests,
	CodeUpscaleFailed:   fiber.StatusUnprocessableEntity,
	CodeServiceError:    fiber.StatusInternalServerError,
}

// StatusFor returns the HTTP status a code is sent with. Unknown codes are
// server errors.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error writes an error body with an explicit status, for errors that did
// not come from this package's codes (fiber's own errors, for one).
func Error(c *fiber.Ctx, status int, code, message string, details any) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// Fail writes an error body with the status registered for code.
func Fail(c *fiber.Ctx, code, message string) error {
	return Error(c, StatusFor(code), code, message, nil)
}

// ValidationError carries per-field details from the validator.
func ValidationError(c *fiber.Ctx, message string, details any) error {
	return Error(c, StatusFor(CodeValidationError), CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Fail(c, CodeUnauthorized, message)
}

// Forbidden is sent when a caller asks for a job started by someone else.
func Forbidden(c *fiber.Ctx, message string) error {
	return Fail(c, CodeForbidden, message)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Fail(c, CodeNotFound, message)
}

func Conflict(c *fiber.Ctx, message string) error {
	return Fail(c, CodeConflict, message)
}

// RateLimited sets Retry-After when the window's remaining time is known.
func RateLimited(c *fiber.Ctx, retryAfter time.Duration) error {
	if retryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
	}
	return Fail(c, CodeRateLimited, "Rate limit exceeded")
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Fail(c, CodeServiceError, message)
}

func OK(c *fiber.Ctx, data any) error {
	return c.JSON(data)
}

// Accepted answers job submissions, which finish in the background.
func Accepted(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
