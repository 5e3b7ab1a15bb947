// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all endpoints,
// including structured error envelopes, consistent JSON serialization, and
// helpers for common HTTP patterns. The goal is to guarantee uniform responses
// for both success and failure cases, making the API predictable and
// machine-friendly.
//
// Conventions:
//   - All error responses must return an ErrorResponse with a stable `code`.
//   - `fail()` centralizes error logging and formatting, ensuring 5xx responses
//     are logged with request context for observability.
//   - `ok()` and `noContent()` simplify writing success responses in a consistent
//     shape across handlers.
//
// Example error response:
//
//	HTTP/1.1 502 Bad Gateway
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "upstream_error",
//	  "message": "AI service returned an error",
//	  "upstream_status": 400,
//	  "upstream_body": "{\"code\":\"invalid_param\"}"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/http/middleware"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
//
// Fields:
//   - RequestID: correlation ID echoed from X-Request-ID.
//   - Code: a stable, machine-readable string (see errors.go constants).
//   - Message: a human-readable description, safe for display to users.
//   - UpstreamStatus, UpstreamBody: set only for upstream_error, carrying
//     what the AI service answered.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
	// Status code returned by the AI service
	UpstreamStatus int `json:"upstream_status,omitempty" example:"400"`
	// Body returned by the AI service
	UpstreamBody string `json:"upstream_body,omitempty"`
}

// fail aborts the request with a structured error and logs server-side errors.
//
// Server errors (>=500) are logged using the request-scoped logger from
// middleware, together with the last error recorded on the context.
func fail(c *gin.Context, status int, code, msg string) {
	writeError(c, status, ErrorResponse{Code: code, Message: msg})
}

func writeError(c *gin.Context, status int, resp ErrorResponse) {
	resp.RequestID = c.Writer.Header().Get("X-Request-ID")

	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", resp.Code).
			Str("message", resp.Message)
		if resp.UpstreamStatus != 0 {
			ev = ev.Int("upstream_status", resp.UpstreamStatus)
		}
		if last := c.Errors.Last(); last != nil {
			ev = ev.Err(last.Err)
		}
		ev.Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// failUpstream reports a non-2xx answer of the AI service as 502.
func failUpstream(c *gin.Context, ue *upstream.Error) {
	writeError(c, http.StatusBadGateway, ErrorResponse{
		Code:           ErrCodeUpstreamError,
		Message:        "AI service returned an error",
		UpstreamStatus: ue.Status,
		UpstreamBody:   ue.Body,
	})
}

// Fail is the exported variant of fail().
//
// External packages (e.g., router setup) should call Fail to return
// consistent error envelopes without directly depending on unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
