package resilience

import (
	"errors"
	"net/http"
	"strings"
)

// transientMarkers are substrings that mark an error as worth retrying.
var transientMarkers = []string{
	"rate limit",
	"overloaded",
	"service temporarily unavailable",
	"timeout",
	"network error",
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// IsRetryable reports whether err is transient: rate limiting, overload,
// timeouts, network failures, or a carried status of 429 or 5xx. Validation,
// auth and capability errors are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if status := sc.StatusCode(); status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
