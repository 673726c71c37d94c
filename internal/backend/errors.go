package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoData is returned when the backend answered but the payload carried
// nothing usable (empty body, missing field).
var ErrNoData = errors.New("backend: no data")

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Op      string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsRetryable reports whether err is worth another attempt. Transport
// failures and 5xx/429 answers qualify. 4xx answers and cancellation do not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Temporary()
	}
	return !errors.Is(err, ErrNoData)
}
