package httpclient

import (
	"fmt"
	"os"
	"time"
)

// RequestTimeoutError is returned when a response does not arrive within
// the policy's response timeout. It is recoverable per request: the
// connection it happened on is discarded, never returned to the idle
// set, and the rest of the pool is unaffected.
type RequestTimeoutError struct {
	Method  string
	URL     string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s: %s %s", e.Timeout, e.Method, e.URL)
}

// Is lets callers match with errors.Is(err, os.ErrDeadlineExceeded).
func (e *RequestTimeoutError) Is(target error) bool {
	if target == os.ErrDeadlineExceeded {
		return true
	}
	_, ok := target.(*RequestTimeoutError)
	return ok
}
