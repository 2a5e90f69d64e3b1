// Package textpool provides a bounded-concurrency job queue for text
// humanization work dispatched to a pool of exclusive, stateful
// transformer sessions (typically automated browser sessions driving a
// third-party rewriting service).
//
// The package supports:
//   - A fixed-size pool of TextTransformer instances with exclusive checkout
//   - FIFO admission with a configurable concurrency limit
//   - Per-job timeouts and retries with configurable retry counts
//   - Cancellation of jobs that have not yet been admitted
//   - Wait-time estimation from a moving average of processing times
//   - Automatic eviction of terminal jobs after a retention window
//   - Multiple backend implementations (in-memory, BadgerDB, SQLite)
//
// Example usage:
//
//	pool, _ := textpool.NewTransformerPool(ctx, 2, newBrowserSession, logger)
//	queue, _ := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool,
//	    textpool.DefaultConfig(), logger)
//	defer queue.Close()
//
//	jobID, _ := queue.Submit(ctx, "text to humanize", nil)
//	view, _ := queue.Status(ctx, jobID)
package textpool

import (
	"time"
)

// JobStatus represents the lifecycle state of a job in the queue.
type JobStatus string

const (
	// JobStatusWaiting indicates the job is in the waiting list, not yet admitted.
	JobStatusWaiting JobStatus = "waiting"
	// JobStatusProcessing indicates the job holds a transformer slot and is executing.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished successfully (terminal).
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job's retries are exhausted (terminal).
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled while waiting (terminal).
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state subject to
// retention eviction.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TransformOptions is an opaque configuration bag passed through to the
// TextTransformer unchanged. The queue never inspects it.
type TransformOptions map[string]string

// Job represents one submitted unit of text-transformation work.
type Job struct {
	ID          string           // Unique job identifier
	Input       string           // Text payload, immutable after creation
	Options     TransformOptions // Passed through to the transformer
	Status      JobStatus        // Current lifecycle state
	RetryCount  int              // Number of failed attempts so far
	CreatedAt   time.Time        // When the job was submitted
	StartedAt   *time.Time       // First transition to processing (not reset on retry)
	FinalizedAt *time.Time       // When the job reached a terminal state
	LastRetryAt *time.Time       // When the job was last requeued after a failure
	Result      string           // Transformed text, set on completion
	Error       *JobError        // Last attempt error; terminal kind once failed
}

// scheduleTime is the point in time ordering a job within the waiting
// list: retried jobs lose their original position and sort by requeue
// time.
func (j *Job) scheduleTime() time.Time {
	if j.LastRetryAt != nil {
		return *j.LastRetryAt
	}
	return j.CreatedAt
}

// JobStatusView is the caller-facing snapshot returned by
// Scheduler.Status.
type JobStatusView struct {
	JobID         string
	Status        JobStatus
	RetryCount    int
	CreatedAt     time.Time
	Position      int           // 1-based waiting-list position; 0 unless waiting
	EstimatedWait time.Duration // Wait estimate; 0 unless waiting
	ProcessingFor time.Duration // Time since first admission; 0 unless processing
}

// JobResult is the terminal outcome returned by Scheduler.Result.
type JobResult struct {
	JobID          string
	Status         JobStatus
	Output         string        // Set when Status == completed
	Error          *JobError     // Set when Status == failed
	ProcessingTime time.Duration // FinalizedAt - StartedAt, when both known
	FinalizedAt    time.Time
}

// QueueStats is the snapshot exposed for health/metrics endpoints.
type QueueStats struct {
	Waiting               int
	Active                int
	TotalSubmitted        int64
	TotalCompleted        int64
	TotalFailed           int64
	TotalCancelled        int64
	AverageProcessingTime time.Duration
	EstimatedWait         time.Duration // Estimate for a job submitted now
	Concurrency           int
	Pool                  PoolStats
}

// PoolStats describes transformer pool utilization.
type PoolStats struct {
	Size      int
	Active    int
	Available int
}

// cloneJob returns a deep copy so callers and observers never share
// mutable state with the scheduler.
func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Options = cloneOptions(job.Options)
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.FinalizedAt = copyTimePtr(job.FinalizedAt)
	clone.LastRetryAt = copyTimePtr(job.LastRetryAt)
	if job.Error != nil {
		errCopy := *job.Error
		clone.Error = &errCopy
	}
	return &clone
}

func cloneOptions(opts TransformOptions) TransformOptions {
	if opts == nil {
		return nil
	}
	dst := make(TransformOptions, len(opts))
	for k, v := range opts {
		dst[k] = v
	}
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}
