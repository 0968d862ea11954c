// Package common defines shared constants and sentinel errors used across
// the DuckPass server layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound       = errors.New("not found")
	ErrorAlreadyExists  = errors.New("already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRequestCanceled  = errors.New("request canceled by client")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Validation errors. Their messages are safe to return to the client.
	ErrorValidation     = errors.New("validation error")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrAlreadyVerified  = errors.New("user already verified")

	// Credential errors. The transport never tells these apart for the client.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotVerified        = errors.New("user not verified")

	// Token lifecycle errors.
	ErrTokenMalformed      = errors.New("token malformed")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenMissingSubject = errors.New("token missing subject")
	ErrTokenPurpose        = errors.New("token issued for another purpose")

	// Second factor errors.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrInvalidCode             = errors.New("invalid code")

	// ErrUpstreamUnavailable marks a failed call to an advisory third-party service.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
)
