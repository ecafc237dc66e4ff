// Package errors provides the structured error type shared by every
// modelrun component: machine-readable codes, retryable detection used by
// retry policies, and the run-orchestration taxonomy (empty start,
// cancellation, resource limits, type coercion).
package errors
