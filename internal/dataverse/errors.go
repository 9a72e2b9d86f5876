package dataverse

// errors.go classifies remote failures into the categories the bulk engine
// acts on:
//
//   - AuthError: the token exchange failed or the API rejected the bearer
//     token. Non-recoverable for the current job.
//   - ValidationError: the API rejected the request body (4xx). Retrying
//     will not help. Duplicate-value rejections are a sub-class so callers
//     can report them as skips rather than failures.
//   - TransientError: timeouts, connection failures, and 5xx responses.
//     Safe to retry a bounded number of times.

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError indicates the credential exchange or bearer authorization
// failed. It aborts the current job.
type AuthError struct {
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("authentication failed: %s", e.Detail)
}

// ValidationError indicates the API rejected the request as malformed or
// conflicting. Not retried.
type ValidationError struct {
	StatusCode int
	Code       string // Dataverse error code, when present
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request rejected (HTTP %d): %s", e.StatusCode, e.Detail)
}

// TransientError indicates a failure that may succeed on retry: network
// errors, timeouts, 5xx, and throttling responses.
type TransientError struct {
	StatusCode int // 0 for transport-level failures
	Detail     string
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure (HTTP %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("transient failure: %s", e.Detail)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// duplicatePatterns match the Dataverse messages returned when an option
// value already exists in the target OptionSet.
var duplicatePatterns = []string{
	"duplicate",
	"already exists",
	"0x80048403", // DuplicateOptionValue
}

// IsDuplicate reports whether err is a validation error caused by an
// option value that already exists. The engine reports these as skips.
func IsDuplicate(err error) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	detail := strings.ToLower(ve.Detail + " " + ve.Code)
	for _, p := range duplicatePatterns {
		if strings.Contains(detail, p) {
			return true
		}
	}
	return false
}

// classifyStatus converts an HTTP status + body detail into the taxonomy
// above. 2xx must be handled by the caller before calling this.
func classifyStatus(status int, code, detail string) error {
	switch {
	case status == 401 || status == 403:
		return &AuthError{StatusCode: status, Detail: detail}
	case status == 408 || status == 429 || status >= 500:
		return &TransientError{StatusCode: status, Detail: detail}
	default:
		return &ValidationError{StatusCode: status, Code: code, Detail: detail}
	}
}
