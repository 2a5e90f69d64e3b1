package textpool

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Scheduler and Backend operations.
var (
	// ErrJobNotFound indicates the job ID is unknown or has been evicted.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists indicates a live job with the same ID already exists.
	ErrJobExists = errors.New("job already exists")
	// ErrQueueClosed indicates the scheduler has been closed.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrResultNotReady indicates the job has not reached a terminal state yet.
	ErrResultNotReady = errors.New("job result not ready")
	// ErrPoolClosed indicates the transformer pool has been closed.
	ErrPoolClosed = errors.New("transformer pool is closed")
)

// ErrorKind classifies attempt failures for retry and reporting.
type ErrorKind string

const (
	// ErrorKindUnavailable: no free pool slot at execution time despite the
	// admission check (race). Handled internally by requeuing, never
	// surfaced as a terminal error.
	ErrorKindUnavailable ErrorKind = "transformer_unavailable"
	// ErrorKindNotReady: Prepare reported the transformer is not usable.
	ErrorKindNotReady ErrorKind = "transformer_not_ready"
	// ErrorKindTransformFailed: Transform returned an error.
	ErrorKindTransformFailed ErrorKind = "transformation_failed"
	// ErrorKindTimeout: the per-job timer fired before completion.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindRetriesExhausted: terminal; the last attempt failed with
	// the retry budget spent.
	ErrorKindRetriesExhausted ErrorKind = "retries_exhausted"
)

// TransformError is the outcome of a single failed processing attempt.
type TransformError struct {
	Kind    ErrorKind
	Message string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// JobError is the error recorded on a job: the last attempt's kind and
// message while the job is still retrying, and kind
// ErrorKindRetriesExhausted once the job is terminally failed.
type JobError struct {
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
