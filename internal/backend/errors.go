package backend

import (
	"errors"
	"fmt"
)

// TransientError marks a retryable backend failure: timeouts, 5xx, 429,
// connection resets. Status is the HTTP status code when one exists, 0
// otherwise.
type TransientError struct {
	Status int
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient backend error (status %d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("transient backend error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError marks a non-retryable backend failure: auth rejections
// (401/403) or permanently malformed input. These indicate
// misconfiguration, not load, and are surfaced immediately.
type FatalError struct {
	Status int
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fatal backend error (status %d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("fatal backend error: %v", e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RateLimited reports whether err is a transient error caused by HTTP 429.
func RateLimited(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.Status == 429
}

// classifyStatus maps a non-2xx HTTP status to the taxonomy.
func classifyStatus(status int, cause error) error {
	switch {
	case status == 401 || status == 403:
		return &FatalError{Status: status, Cause: cause}
	case status == 429 || status >= 500:
		return &TransientError{Status: status, Cause: cause}
	default:
		// remaining 4xx: the request itself is bad and will not improve
		return &FatalError{Status: status, Cause: cause}
	}
}
