package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrNoProviders is returned when no auth profile can serve a request.
var ErrNoProviders = errors.New("no usable LLM provider")

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errMsg := strings.ToLower(err.Error())

	for _, marker := range []string{
		// network
		"econnreset", "etimedout", "connection reset", "connection refused", "timeout", "eof",
		// rate limits
		"429", "rate limit", "resource_exhausted", "overloaded",
		// server errors
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}

	return false
}
