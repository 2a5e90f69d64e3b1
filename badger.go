package textpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/badger/v4"
)

const badgerJobKeyPrefix = "job:"

// BadgerBackend implements the Backend interface using BadgerDB. Job
// records survive a process restart, so waiting jobs submitted before a
// crash are requeued when the scheduler comes back up. The janitor
// still evicts terminal jobs past the retention window.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBackend creates a new BadgerDB backend. The database
// directory is created if it does not exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerBackend{db: db, logger: logger}, nil
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update on transaction conflicts with a
// fixed short delay; other errors abort immediately.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	operation := func() (struct{}, error) {
		err := b.db.Update(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, badger.ErrConflict) {
			b.logger.Debug("BadgerBackend: transaction conflict, retrying")
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Millisecond)),
		backoff.WithMaxTries(50),
	)
	return err
}

func badgerJobKey(jobID string) []byte {
	return []byte(badgerJobKeyPrefix + jobID)
}

func encodeJob(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &job, nil
}

// PutJob inserts a new job record.
func (b *BadgerBackend) PutJob(ctx context.Context, job *Job) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	key := badgerJobKey(job.ID)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// GetJob retrieves a job by ID.
func (b *BadgerBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	var job *Job
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerJobKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		job, err = decodeJob(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob overwrites an existing job record.
func (b *BadgerBackend) UpdateJob(ctx context.Context, job *Job) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	key := badgerJobKey(job.ID)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
		}
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// DeleteJob removes a job record. Unknown IDs are a no-op.
func (b *BadgerBackend) DeleteJob(ctx context.Context, jobID string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete(badgerJobKey(jobID))
	})
}

// PendingJobs returns waiting and processing jobs in schedule order.
func (b *BadgerBackend) PendingJobs(ctx context.Context) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	pending := make([]*Job, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerJobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := decodeJob(data)
			if err != nil {
				return err
			}
			if job.Status == JobStatusWaiting || job.Status == JobStatusProcessing {
				pending = append(pending, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].scheduleTime().Before(pending[j].scheduleTime())
	})
	return pending, nil
}

// ExpiredJobs returns IDs of terminal jobs finalized before cutoff.
func (b *BadgerBackend) ExpiredJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	expired := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerJobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := decodeJob(data)
			if err != nil {
				return err
			}
			if job.Status.IsTerminal() && job.FinalizedAt != nil && job.FinalizedAt.Before(cutoff) {
				expired = append(expired, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(expired)
	return expired, nil
}
