package events

import "strings"

// IsRetryableError reports whether a broker error is worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"message too large",
		"invalid topic",
		"unknown topic",
		"authorization failed",
		"context canceled",
		"circuit breaker is open",
	} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"no route to host",
		"broker not available",
		"leader not available",
		"not enough replicas",
		"request timed out",
		"dial tcp",
		"temporary",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
