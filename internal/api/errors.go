package api

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"shpotify/internal/broker"
	"shpotify/internal/jobs"
	"shpotify/internal/store"
)

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    int    `json:"code"`
}

// SendError sends a structured error response
func SendError(c *fiber.Ctx, httpCode int, message string, details string) error {
	return c.Status(httpCode).JSON(ErrorResponse{
		Error:   message,
		Details: details,
		Code:    httpCode,
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusOf is the status a handler error is answered with
func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return statusFor(err)
}

// errorHandler is the fiber error handler. Errors not raised through
// fiber.NewError are mapped by statusFor.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return SendError(c, fe.Code, fe.Message, "")
	}

	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		// Server-side causes stay in the log
		s.logger.Error().Err(err).Str("path", c.Path()).Int("status", code).Msg("Request failed")
		return SendError(c, code, http.StatusText(code), "")
	}
	return SendError(c, code, http.StatusText(code), err.Error())
}
