package textpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend implements the Backend interface using in-memory
// storage. It is the default backend: job history lives only for the
// retention window, in process.
type InMemoryBackend struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs: make(map[string]*Job),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// PutJob inserts a new job record.
func (b *InMemoryBackend) PutJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	b.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID.
func (b *InMemoryBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}
	job, exists := b.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// UpdateJob overwrites an existing job record.
func (b *InMemoryBackend) UpdateJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := b.jobs[job.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	b.jobs[job.ID] = cloneJob(job)
	return nil
}

// DeleteJob removes a job record.
func (b *InMemoryBackend) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	delete(b.jobs, jobID)
	return nil
}

// PendingJobs returns waiting and processing jobs in schedule order.
func (b *InMemoryBackend) PendingJobs(ctx context.Context) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	pending := make([]*Job, 0)
	for _, job := range b.jobs {
		if job.Status == JobStatusWaiting || job.Status == JobStatusProcessing {
			pending = append(pending, cloneJob(job))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].scheduleTime().Before(pending[j].scheduleTime())
	})
	return pending, nil
}

// ExpiredJobs returns IDs of terminal jobs finalized before cutoff.
func (b *InMemoryBackend) ExpiredJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	expired := make([]string, 0)
	for id, job := range b.jobs {
		if job.Status.IsTerminal() && job.FinalizedAt != nil && job.FinalizedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return fmt.Errorf("backend is closed")
	}
	return nil
}
