package llm

import (
	"errors"
	"strings"
)

// retryablePatterns groups provider error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: string matching is used because Genkit and provider SDKs do not
// expose typed errors for transient failures. Re-evaluate if structured
// error types land in a future Genkit version.
var retryablePatterns = [][]string{
	// rate limiting
	{"rate limit", "quota exceeded", "resource exhausted", "429"},
	// transient server errors
	{"500", "502", "503", "504", "unavailable", "overloaded"},
	// network errors
	{"connection reset", "connection refused", "timeout", "deadline exceeded", "temporary"},
}

// fatalPatterns lists substrings that mark an error as permanently failed
// even when a transient pattern also matches. Checked first.
var fatalPatterns = []string{
	"api key", "unauthenticated", "unauthorized", "401",
	"permission denied", "403",
	"not found", "404",
	"invalid argument", "bad request", "400",
}

// Retryable reports whether err is a transient provider failure worth
// retrying. Content filtering and consistency faults are never retryable,
// nor are authentication, permission, not-found and bad-request errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContentFiltered) || errors.Is(err, ErrUnexpected) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(errStr, pattern) {
				return true
			}
		}
	}
	return false
}
