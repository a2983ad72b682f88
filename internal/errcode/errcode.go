// Package errcode defines the coded errors the service reports to clients and
// logs internally. Every client-visible failure carries a stable machine code
// plus a human message, and optionally a hint with remediation advice.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes service errors for clients and for log aggregation.
type Code string

const (
	// Authentication.
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeAudMismatch          Code = "AUD_MISMATCH"
	CodeAlgMismatch          Code = "ALG_MISMATCH"
	CodeKeyNotFound          Code = "KEY_NOT_FOUND"
	CodeMaxLifetimeExceeded  Code = "MAX_LIFETIME_EXCEEDED"
	CodeMissingRequiredClaim Code = "MISSING_REQUIRED_CLAIM"
	CodeJWKSFetchFailed      Code = "JWKS_FETCH_FAILED"

	// Sync session limits and state.
	CodeTooManyBuckets          Code = "TOO_MANY_BUCKETS"
	CodeTooManyParameterResults Code = "TOO_MANY_PARAMETER_RESULTS"
	CodeSyncLockTimeout         Code = "SYNC_LOCK_TIMEOUT"
	CodeNoActiveSyncRules       Code = "NO_ACTIVE_SYNC_RULES"
	CodeCheckpointNotFound      Code = "CHECKPOINT_NOT_FOUND"
	CodeStreamClosed            Code = "CHECKPOINT_STREAM_CLOSED"

	// Replication.
	CodeRowTooLarge            Code = "ROW_TOO_LARGE"
	CodeMaxTxRetries           Code = "MAX_TX_RETRIES"
	CodeReplicationSlotMissing Code = "REPLICATION_SLOT_MISSING"

	// Storage and migrations.
	CodeFatalStorage            Code = "FATAL_STORAGE_ERROR"
	CodeLastRunMigrationUnknown Code = "LAST_RUN_MIGRATION_UNKNOWN"

	// Generic.
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeRateLimit      Code = "RATE_LIMIT"
	CodeAssertion      Code = "ASSERTION"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is a structured service error. The JSON form is exactly what clients
// receive in error frames and non-2xx bodies; binary streams carry the same
// shape as a BSON document.
type Error struct {
	Code    Code   `json:"error_code" bson:"error_code"`
	Message string `json:"message" bson:"message"`
	Hint    string `json:"hint,omitempty" bson:"hint,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHint returns a copy of the error carrying remediation advice.
func (e *Error) WithHint(hint string) *Error {
	clone := *e
	clone.Hint = hint
	return &clone
}

// Assertionf reports a broken internal invariant: a bug, not an operational
// fault. Top-level callers treat assertion errors as fatal rather than
// retrying them.
func Assertionf(format string, args ...any) *Error {
	return &Error{Code: CodeAssertion, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from an error chain, or CodeInternal when the
// chain carries no coded error.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// AsError returns the coded error in the chain, wrapping uncoded errors as
// CodeInternal so callers always have a client-safe shape to send.
func AsError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// HTTPStatus maps an error chain to the HTTP status the API layer responds
// with. Retriable service conditions map to 503 so clients back off and
// reconnect rather than treating them as permanent.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthorized, CodeTokenExpired, CodeAudMismatch, CodeAlgMismatch,
		CodeKeyNotFound, CodeMaxLifetimeExceeded, CodeMissingRequiredClaim:
		return http.StatusUnauthorized
	case CodeInvalidRequest, CodeTooManyBuckets, CodeTooManyParameterResults:
		return http.StatusBadRequest
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeNoActiveSyncRules, CodeSyncLockTimeout, CodeStreamClosed,
		CodeJWKSFetchFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
