package remote

import (
	"context"
	"errors"
	"net"
	"time"
)

// OutcomeKind is the five-way disposition of a finished remote call.
type OutcomeKind int

const (
	// Success: no error; the caller proceeds.
	Success OutcomeKind = iota

	// Retry: transient condition. The caller defers and re-issues the same
	// logical request unchanged after Outcome.RetryAfter.
	Retry

	// Recoverable: structurally recoverable; Outcome.Reason says how. For
	// CodeTokenExpired the caller discards the stale token and re-runs the
	// same fetch step from the beginning of the feed.
	Recoverable

	// Fail: terminal. Surfaced to the caller, never retried automatically.
	Fail

	// Chunk: the request exceeded a server-side size or count limit. The
	// caller splits the batch and resubmits the pieces.
	Chunk
)

// String returns the outcome kind name for logging.
func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Recoverable:
		return "recoverable"
	case Fail:
		return "fail"
	case Chunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Outcome is the classification of one remote-call result. Classification
// is pure: building an Outcome never retries, logs, or mutates anything.
type Outcome struct {
	Kind OutcomeKind

	// RetryAfter is the delay before re-issuing, for Kind == Retry. Always
	// positive when Kind == Retry (DefaultRetryAfter fills a missing hint).
	RetryAfter time.Duration

	// SuggestedBatch is the server-proposed batch size for the retry.
	// Zero means keep the current size.
	SuggestedBatch int

	// Reason is the recoverable sub-reason, for Kind == Recoverable.
	Reason Code

	// Err is the originating error for Kind != Success.
	Err error
}

// Classify maps a raw remote-call error into exactly one outcome. nil maps
// to Success; server errors map by code; transport timeouts map to Retry;
// anything unrecognized is terminal.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success}
	}

	var re *Error
	if errors.As(err, &re) {
		switch re.Code {
		case CodeRateLimited, CodeUnavailable, CodeNetwork:
			wait := re.RetryAfter
			if wait <= 0 {
				wait = DefaultRetryAfter
			}
			return Outcome{Kind: Retry, RetryAfter: wait, SuggestedBatch: re.SuggestedBatch, Err: err}
		case CodeTokenExpired, CodeZoneMissing, CodePartialFailure:
			return Outcome{Kind: Recoverable, Reason: re.Code, Err: err}
		case CodeLimitExceeded:
			return Outcome{Kind: Chunk, SuggestedBatch: re.SuggestedBatch, Err: err}
		default:
			return Outcome{Kind: Fail, Err: err}
		}
	}

	// Context cancellation is the caller's own doing; treat as terminal so
	// nothing reschedules work the caller just abandoned.
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: Fail, Err: err}
	}

	// Timeouts and other transient transport faults retry.
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: Retry, RetryAfter: DefaultRetryAfter, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Outcome{Kind: Retry, RetryAfter: DefaultRetryAfter, Err: err}
	}

	return Outcome{Kind: Fail, Err: err}
}
