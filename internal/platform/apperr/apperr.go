// Package apperr defines the closed set of application error codes and the
// helpers used to build and classify them. Errors are samber/oops errors
// carrying one of the codes below plus a public message that is safe to
// return to clients.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/samber/oops"
)

// Error codes. Code() on an oops error returns the deepest code in the chain,
// so a coded error keeps its classification when wrapped with extra context.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeAlreadyExists      = "ALREADY_EXISTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountBlocked     = "ACCOUNT_BLOCKED"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeOTPExpired         = "OTP_EXPIRED"
	CodeOTPInvalid         = "OTP_INVALID"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUpstream           = "UPSTREAM_FAILURE"
	CodeInternal           = "INTERNAL"
)

// InvalidCredentialsMessage is the only message ever returned for a failed
// password login.
const InvalidCredentialsMessage = "invalid email or password"

var statusByCode = map[string]int{
	CodeValidation:         http.StatusBadRequest,
	CodeAlreadyExists:      http.StatusConflict,
	CodeInvalidCredentials: http.StatusUnauthorized,
	CodeAccountBlocked:     http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeInvalidToken:       http.StatusUnauthorized,
	CodeSessionExpired:     http.StatusUnauthorized,
	CodeOTPExpired:         http.StatusBadRequest,
	CodeOTPInvalid:         http.StatusBadRequest,
	CodeInvalidTransition:  http.StatusConflict,
	CodeForbidden:          http.StatusForbidden,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeUpstream:           http.StatusBadGateway,
	CodeInternal:           http.StatusInternalServerError,
}

func build(code, msg string) error {
	return oops.Code(code).Public(msg).Errorf("%s", msg)
}

// Validation reports missing or malformed input.
func Validation(format string, args ...any) error {
	return build(CodeValidation, fmt.Sprintf(format, args...))
}

// AlreadyExists reports a uniqueness conflict.
func AlreadyExists(msg string) error { return build(CodeAlreadyExists, msg) }

// InvalidCredentials never says which factor was wrong.
func InvalidCredentials() error {
	return build(CodeInvalidCredentials, InvalidCredentialsMessage)
}

// AccountBlocked reports a deactivated account.
func AccountBlocked() error {
	return build(CodeAccountBlocked, "account is blocked, contact support")
}

// NotFound reports an absent subject, challenge or user.
func NotFound(msg string) error { return build(CodeNotFound, msg) }

// InvalidToken reports a token that failed verification.
func InvalidToken() error { return build(CodeInvalidToken, "invalid or expired token") }

// SessionExpired is the refresh-path form of InvalidToken.
func SessionExpired() error {
	return build(CodeSessionExpired, "session expired, please log in again")
}

// OTPExpired reports a challenge that outlived its expiry.
func OTPExpired() error { return build(CodeOTPExpired, "OTP has expired") }

// OTPInvalid reports a code mismatch.
func OTPInvalid() error { return build(CodeOTPInvalid, "invalid OTP") }

// InvalidTransition reports a review action not allowed from the current state.
func InvalidTransition(from, action string) error {
	return oops.Code(CodeInvalidTransition).
		With("from", from, "action", action).
		Public(fmt.Sprintf("cannot %s a subject in %s state", action, from)).
		Errorf("invalid review transition %s from %s", action, from)
}

// Forbidden reports an authenticated caller acting outside its rights.
func Forbidden(msg string) error { return build(CodeForbidden, msg) }

// RateLimited reports a throttled caller.
func RateLimited() error { return build(CodeRateLimited, "too many requests") }

// Upstream wraps a collaborator failure (mail relay, object store, OAuth provider).
func Upstream(err error, msg string) error {
	return oops.Code(CodeUpstream).Public(msg).Wrap(err)
}

// Code returns the application code carried by err, or CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if oe, ok := oops.AsOops(err); ok {
		if c, ok := oe.Code().(string); ok && c != "" {
			if _, known := statusByCode[c]; known {
				return c
			}
		}
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && Code(err) == code
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	return StatusForCode(Code(err))
}

// StatusForCode maps a code to an HTTP status code.
func StatusForCode(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Public returns the client-facing message for err.
func Public(err error) string {
	if Code(err) == CodeInternal {
		return "internal server error"
	}
	return oops.GetPublic(err, http.StatusText(Status(err)))
}
