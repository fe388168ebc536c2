package event

import "errors"

// Sentinel error kinds for the taxonomy the orchestrator and its stages
// reason about. Concrete stages wrap these with fmt.Errorf("...: %w", ...)
// and callers match with errors.Is.
var (
	// ErrMalformedSource means the input could not be normalized into a
	// canonical Event. Terminal and never retried; ingress answers it with
	// a 400 and writes no DLQ entry.
	ErrMalformedSource = errors.New("malformed source")

	// ErrBackpressure means the bus is full or the orchestrator is
	// saturated. Retryable by the caller, never persisted.
	ErrBackpressure = errors.New("backpressure")

	// ErrDraining means the orchestrator is shutting down and rejects new
	// ingress.
	ErrDraining = errors.New("draining")

	// ErrOracleUnavailable means an ML or LLM call exhausted its retries.
	// Stages recover locally by degrading the enrichment and continuing.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrEffectorFailed means a remediation action returned an error after
	// one retry. Recorded on the alert; does not halt the pipeline.
	ErrEffectorFailed = errors.New("effector failed")

	// ErrStoreUnavailable means the terminal write failed after bounded
	// backoff. The alert is filed on the DLQ sink with reason
	// store_unavailable; that sink also holds the other dead-lettered
	// alerts, and no separate store-failure DLQ exists.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDeadlineExceeded means the end-to-end budget for an event was
	// exhausted before it reached a terminal state.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrPolicyViolation means the process configuration is invalid at
	// startup. Fatal at init; the process refuses to start.
	ErrPolicyViolation = errors.New("policy violation")
)
