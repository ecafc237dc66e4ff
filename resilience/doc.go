// Package resilience provides the fault-tolerance patterns modelrun wraps
// around side effects:
//   - Retry: bounded retries with exponential backoff, used as the retry
//     policy of every run lifecycle step
//   - Bulkhead: admission control in front of node materialization
//   - CircuitBreaker: fail fast when the event broker is unhealthy
package resilience
