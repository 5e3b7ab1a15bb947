// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package) and the translation of
// service and upstream errors into those codes. Clients branch on the code;
// the message is for humans.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes (bad_request, unauthorized, conflict, ...) mirror HTTP
//     status semantics.
//   - Gateway-specific codes (missing_tenant, upstream_error, ...) carry
//     meaning the status alone cannot.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "tenant_mismatch",
//	  "message": "user does not belong to this tenant"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/services"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeNotReady         = "not_ready"

	// Access gate:
	ErrCodeMissingTenant  = "missing_tenant"
	ErrCodeMissingUser    = "missing_user"
	ErrCodeTenantMismatch = "tenant_mismatch"

	// Administration:
	ErrCodeDuplicateTenant    = "duplicate_tenant"
	ErrCodeDuplicateEmail     = "duplicate_email"
	ErrCodeInvalidCredentials = "invalid_credentials"

	// Upstream AI service:
	ErrCodeUpstreamError       = "upstream_error"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodePayloadTooLarge     = "payload_too_large"
)

// failErr maps err to a status and code and writes the envelope. Unknown
// errors become 500 internal_error with a generic message.
func failErr(c *gin.Context, err error) {
	var ue *upstream.Error
	switch {
	case errors.As(err, &ue):
		failUpstream(c, ue)
	case errors.Is(err, upstream.ErrUnavailable):
		fail(c, http.StatusBadGateway, ErrCodeUpstreamUnavailable, "AI service unavailable")

	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, services.ErrTenantNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
	case errors.Is(err, services.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
	case errors.Is(err, services.ErrSessionExists):
		fail(c, http.StatusConflict, ErrCodeConflict, "session already exists")
	case errors.Is(err, services.ErrDuplicateTenant):
		fail(c, http.StatusConflict, ErrCodeDuplicateTenant, "tenant name or code already exists")
	case errors.Is(err, services.ErrDuplicateEmail):
		fail(c, http.StatusConflict, ErrCodeDuplicateEmail, "email already registered")
	case errors.Is(err, services.ErrTenantMismatch):
		fail(c, http.StatusForbidden, ErrCodeTenantMismatch, "user does not belong to this tenant")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "insufficient role")
	case errors.Is(err, services.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid email, password or tenant")

	case errors.Is(err, services.ErrEmptyTitle):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required")
	case errors.Is(err, services.ErrMissingConversation):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id required")
	case errors.Is(err, services.ErrInvalidFeedback):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value must be -1 or 1")
	case errors.Is(err, services.ErrInvalidRole):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "role must be user or admin")
	case errors.Is(err, services.ErrInvalidInput):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())

	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
