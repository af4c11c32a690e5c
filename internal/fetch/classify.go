package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrKind partitions fetch errors into the retry taxonomy.
type ErrKind int

const (
	// KindTransient errors (timeouts, connection failures, 5xx, 429) are
	// retried with backoff, bounded by the attempt cap.
	KindTransient ErrKind = iota
	// KindFatal errors (other 4xx, malformed requests, cancellation) fail
	// immediately without retry.
	KindFatal
)

// StatusError reports a non-2xx HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// ExhaustedError reports that the retry budget ran out. LastErr is the error
// from the final attempt.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Classify maps an error from a single attempt onto the retry taxonomy.
// Unknown errors default to transient, matching the behavior of the
// network stack where most anonymous failures are connection-level.
func Classify(err error) ErrKind {
	if err == nil {
		return KindTransient
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return KindTransient
		case se.Code >= 500:
			return KindTransient
		case se.Code >= 400:
			return KindFatal
		default:
			return KindTransient
		}
	}
	// A timeout-tagged network error is transient even when it also matches
	// context.DeadlineExceeded: the http client tags per-request timeouts
	// that way. The caller's own context expiring is handled by Do before
	// classification.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	return KindTransient
}

// IsTransient reports whether err would be retried by the client.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
