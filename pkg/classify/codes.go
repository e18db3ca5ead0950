// Package classify maps the heterogeneous failure signals produced by the
// scripting session (free text, structured error identifiers, exception
// kinds and category hints) onto one closed taxonomy of error codes.
//
// Classification is pure and deterministic: the same inputs always yield
// the same NormalizedError, and Classify never fails. Anything that cannot
// be recognised becomes Unknown and non-transient.
package classify

import (
	"fmt"
	"time"
)

// ErrorCode is the canonical failure vocabulary surfaced to callers.
type ErrorCode string

const (
	CodeUnknown                  ErrorCode = "Unknown"
	CodeThrottling               ErrorCode = "Throttling"
	CodeAuthenticationFailed     ErrorCode = "AuthenticationFailed"
	CodeMfaRequired              ErrorCode = "MfaRequired"
	CodeConditionalAccessBlocked ErrorCode = "ConditionalAccessBlocked"
	CodeTokenExpired             ErrorCode = "TokenExpired"
	CodePermissionDenied         ErrorCode = "PermissionDenied"
	CodeInsufficientPrivileges   ErrorCode = "InsufficientPrivileges"
	CodeInvalidParameter         ErrorCode = "InvalidParameter"
	CodeCmdletNotAvailable       ErrorCode = "CmdletNotAvailable"
	CodeModuleNotLoaded          ErrorCode = "ModuleNotLoaded"
	CodeOperationNotSupported    ErrorCode = "OperationNotSupported"
	CodeResourceAlreadyExists    ErrorCode = "ResourceAlreadyExists"
	CodeResourceNotFound         ErrorCode = "ResourceNotFound"
	CodeTimeout                  ErrorCode = "Timeout"
	CodeNetworkError             ErrorCode = "NetworkError"
	CodeServiceUnavailable       ErrorCode = "ServiceUnavailable"
)

var allCodes = []ErrorCode{
	CodeUnknown,
	CodeThrottling,
	CodeAuthenticationFailed,
	CodeMfaRequired,
	CodeConditionalAccessBlocked,
	CodeTokenExpired,
	CodePermissionDenied,
	CodeInsufficientPrivileges,
	CodeInvalidParameter,
	CodeCmdletNotAvailable,
	CodeModuleNotLoaded,
	CodeOperationNotSupported,
	CodeResourceAlreadyExists,
	CodeResourceNotFound,
	CodeTimeout,
	CodeNetworkError,
	CodeServiceUnavailable,
}

// Codes returns every error code in declaration order.
func Codes() []ErrorCode {
	out := make([]ErrorCode, len(allCodes))
	copy(out, allCodes)
	return out
}

// Valid reports whether c belongs to the taxonomy.
func (c ErrorCode) Valid() bool {
	for _, code := range allCodes {
		if code == c {
			return true
		}
	}
	return false
}

// String returns the code name.
func (c ErrorCode) String() string {
	return string(c)
}

// transientCodes are the codes that are worth retrying unchanged.
var transientCodes = map[ErrorCode]bool{
	CodeThrottling:         true,
	CodeTimeout:            true,
	CodeNetworkError:       true,
	CodeServiceUnavailable: true,
}

// nonRetryable is the hard stop list used by the retry policy. A code in
// this set is never retried, whatever its transience.
var nonRetryable = map[ErrorCode]bool{
	CodePermissionDenied:         true,
	CodeInsufficientPrivileges:   true,
	CodeInvalidParameter:         true,
	CodeCmdletNotAvailable:       true,
	CodeModuleNotLoaded:          true,
	CodeOperationNotSupported:    true,
	CodeResourceAlreadyExists:    true,
	CodeAuthenticationFailed:     true,
	CodeConditionalAccessBlocked: true,
}

// IsTransientCode reports whether failures with this code are transient.
func IsTransientCode(c ErrorCode) bool {
	return transientCodes[c]
}

// IsRetryable reports whether the retry policy may retry this code at all.
func IsRetryable(c ErrorCode) bool {
	return !nonRetryable[c]
}

// Category is a coarse hint attached to a structured error record by the
// scripting runtime.
type Category string

const (
	CategoryNone                Category = ""
	CategoryPermissionDenied    Category = "PermissionDenied"
	CategorySecurityError       Category = "SecurityError"
	CategoryAuthenticationError Category = "AuthenticationError"
	CategoryResourceUnavailable Category = "ResourceUnavailable"
	CategoryConnectionError     Category = "ConnectionError"
	CategoryOperationTimeout    Category = "OperationTimeout"
	CategoryObjectNotFound      Category = "ObjectNotFound"
	CategoryResourceExists      Category = "ResourceExists"
	CategoryInvalidArgument     Category = "InvalidArgument"
	CategoryInvalidOperation    Category = "InvalidOperation"
)

// NormalizedError is the classified form of a single failure.
type NormalizedError struct {
	// Code is the taxonomy entry.
	Code ErrorCode `json:"code"`

	// Message is the original failure text.
	Message string `json:"message"`

	// IsTransient reports whether retrying unchanged may succeed.
	IsTransient bool `json:"is_transient"`

	// RetryAfter is the server-requested wait. Zero means no hint.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *NormalizedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the retry policy should try again after this
// failure, ignoring attempt budgets.
func (e *NormalizedError) Retryable() bool {
	return e.IsTransient && IsRetryable(e.Code)
}

// HasRetryAfter reports whether the server supplied a wait hint.
func (e *NormalizedError) HasRetryAfter() bool {
	return e.RetryAfter > 0
}

func newError(code ErrorCode, message string) NormalizedError {
	return NormalizedError{
		Code:        code,
		Message:     message,
		IsTransient: IsTransientCode(code),
	}
}
