// Package services defines the business logic for chat sessions, tenant
// administration, sign-in and upstream read-throughs. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

// Session-related errors.
var (
	// ErrSessionNotFound indicates that the requested session does not exist
	// or is not visible to the caller's tenant/user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by Insert when the (conversation, user)
	// pair is already recorded.
	ErrSessionExists = errors.New("session already exists")

	// ErrEmptyTitle is returned when a rename carries a blank title.
	ErrEmptyTitle = errors.New("title is empty")

	// ErrMissingConversation is returned when a conversation id is required
	// but blank.
	ErrMissingConversation = errors.New("conversation id is required")

	// ErrInvalidFeedback is returned when a feedback value is outside the
	// allowed set (-1 or 1).
	ErrInvalidFeedback = errors.New("feedback value must be -1 or 1")
)

// Tenant, user and access errors.
var (
	// ErrDuplicateTenant is returned when a tenant name or code is taken.
	ErrDuplicateTenant = errors.New("tenant name or code already exists")

	// ErrDuplicateEmail is returned when an email address is taken.
	ErrDuplicateEmail = errors.New("email already exists")

	// ErrTenantNotFound indicates an unknown tenant id or code.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrUserNotFound indicates an unknown user id.
	ErrUserNotFound = errors.New("user not found")

	// ErrTenantMismatch is returned when the caller acts on a tenant it does
	// not belong to.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrForbidden is returned when the caller's role does not allow the
	// operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidCredentials is returned by sign-in for any unknown email,
	// wrong password or tenant code mismatch.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRole is returned when a user is created with a role other
	// than user or admin.
	ErrInvalidRole = errors.New("role must be user or admin")

	// ErrInvalidInput wraps field validation failures.
	ErrInvalidInput = errors.New("invalid input")
)
