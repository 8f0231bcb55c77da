// Package retry implements the retry decision and execution path of the
// payment resilience pipeline.
//
// The package is built from four pieces:
//
//   - EligibilityChecker decides whether a failed transaction may be
//     retried at all, and why not.
//   - Calculator computes the backoff delay before an attempt, with jitter
//     so competing retries do not synchronize into a reconnection storm.
//   - The classification helpers match gateway failures against the
//     per-gateway retryable error patterns, reading raw provider JSON when
//     the recorded message is empty.
//   - Coordinator runs one retry attempt end to end: eligibility, circuit
//     breaker gate, backoff wait, gateway call, bookkeeping and follow-up
//     scheduling.
//
// The coordinator never lets a gateway error escape as an error value;
// callers always receive a structured RetryResult. Only persistence
// failures propagate.
package retry
