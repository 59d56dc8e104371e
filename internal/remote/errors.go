package remote

import (
	"errors"
	"fmt"
	"time"
)

// Code is a server-driven error code. Backends translate their native
// failures into these codes; classification dispatches on them.
type Code string

const (
	// CodeRateLimited: the server is throttling this tenant. Transient;
	// retry after the suggested delay.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeUnavailable: the service or a backend shard is temporarily down.
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeNetwork: the request never reached the server or the response
	// was lost. Transient.
	CodeNetwork Code = "NETWORK"

	// CodeTokenExpired: the change token is stale server-side. The holder
	// must discard it and restart that feed from the beginning.
	CodeTokenExpired Code = "TOKEN_EXPIRED"

	// CodeZoneMissing: the request named a zone that does not exist.
	// Recoverable by provisioning the zone.
	CodeZoneMissing Code = "ZONE_MISSING"

	// CodePartialFailure: parts of a batch failed while others succeeded.
	// Recoverable; the caller decides what to resubmit.
	CodePartialFailure Code = "PARTIAL_FAILURE"

	// CodeLimitExceeded: the request body exceeded a server-side size or
	// count limit. The caller must split the batch and resubmit the pieces.
	CodeLimitExceeded Code = "LIMIT_EXCEEDED"

	// CodeUnauthorized: the credential was rejected. Terminal.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeQuotaExceeded: the tenant is out of storage quota. Terminal until
	// a human intervenes.
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"

	// CodeMalformed: the server rejected the request as invalid. Terminal;
	// retrying the same request can only fail the same way.
	CodeMalformed Code = "MALFORMED"

	// CodeInternal: the server failed in a way it does not expect a retry
	// to fix. Terminal.
	CodeInternal Code = "INTERNAL"
)

// DefaultRetryAfter is the retry delay used when the server suggested none.
const DefaultRetryAfter = 3 * time.Second

// Error is a remote-call failure carrying the server's classification
// hints. Backends wrap their native errors in one of these; everything the
// engine needs to decide retry/restart/surface rides on it.
type Error struct {
	// Code drives classification.
	Code Code

	// Message is the server's human-readable detail.
	Message string

	// RetryAfter is the server-suggested delay before re-issuing the same
	// request. Zero means the server offered no hint.
	RetryAfter time.Duration

	// SuggestedBatch is the server-suggested batch size for the retry.
	// Zero means no hint.
	SuggestedBatch int

	// Wrapped is the underlying transport or driver error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %s", e.Code)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying error to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches two *Error values by code, so sentinel-style comparisons like
// errors.Is(err, &Error{Code: CodeTokenExpired}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds a remote error with the given code and formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error.
func WrapError(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Wrapped: err}
}

// CodeOf extracts the remote error code from err, or "" when err carries
// none (nil errors and foreign error types).
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsTokenExpired reports whether err means a change token went stale.
func IsTokenExpired(err error) bool {
	return CodeOf(err) == CodeTokenExpired
}

// IsZoneMissing reports whether err means a zone does not exist yet.
func IsZoneMissing(err error) bool {
	return CodeOf(err) == CodeZoneMissing
}
