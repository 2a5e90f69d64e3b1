package textpool

import (
	"context"
	"time"
)

// Backend is the storage interface for job records. Implementations
// must be thread-safe. The scheduler is the single logical writer: it
// owns the waiting-list ordering and the active set in memory and uses
// the backend purely as the record of truth for job state, restart
// recovery, and retention eviction.
type Backend interface {
	// PutJob inserts a new job record. Returns ErrJobExists if a job
	// with the same ID is already stored.
	PutJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound for unknown
	// or evicted IDs.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateJob overwrites an existing job record. Returns
	// ErrJobNotFound if the job is not stored.
	UpdateJob(ctx context.Context, job *Job) error

	// DeleteJob removes a job record. Deleting an unknown ID is a no-op.
	DeleteJob(ctx context.Context, jobID string) error

	// PendingJobs returns all waiting and processing jobs in schedule
	// order (LastRetryAt if set, else CreatedAt). Used to rebuild the
	// waiting list after a restart.
	PendingJobs(ctx context.Context) ([]*Job, error)

	// ExpiredJobs returns the IDs of terminal jobs finalized before
	// cutoff. Jobs that are still waiting or processing are never
	// reported regardless of age.
	ExpiredJobs(ctx context.Context, cutoff time.Time) ([]string, error)

	// Close closes the backend.
	Close() error
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
