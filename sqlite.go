//go:build sqlite
// +build sqlite

package textpool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the Backend interface using SQLite. It
// provides ACID transactions and is suitable for single-server
// deployments. Requires CGO and the sqlite build tag.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend creates a new SQLite backend. The database file is
// created if it does not exist.
func NewSQLiteBackend(dbPath string, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{db: db, logger: logger}
	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		options TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finalized_at INTEGER,
		last_retry_at INTEGER,
		result TEXT,
		error_kind TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finalized_at ON jobs(finalized_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

// PutJob inserts a new job record.
func (b *SQLiteBackend) PutJob(ctx context.Context, job *Job) error {
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

	options, err := encodeOptions(job.Options)
	if err != nil {
		return err
	}
	errKind, errMsg := encodeJobError(job.Error)

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, input, options, status, retry_count, created_at,
			started_at, finalized_at, last_retry_at, result, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Input, options, string(job.Status), job.RetryCount,
		job.CreatedAt.UnixNano(), timeToDB(job.StartedAt), timeToDB(job.FinalizedAt),
		timeToDB(job.LastRetryAt), job.Result, errKind, errMsg,
	)
	if err != nil {
		// UNIQUE constraint violation on the primary key
		var existing string
		checkErr := b.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`, job.ID).Scan(&existing)
		if checkErr == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (b *SQLiteBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	row := b.db.QueryRowContext(ctx, `
		SELECT id, input, options, status, retry_count, created_at,
			started_at, finalized_at, last_retry_at, result, error_kind, error_message
		FROM jobs WHERE id = ?`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob overwrites an existing job record.
func (b *SQLiteBackend) UpdateJob(ctx context.Context, job *Job) error {
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

	options, err := encodeOptions(job.Options)
	if err != nil {
		return err
	}
	errKind, errMsg := encodeJobError(job.Error)

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET input = ?, options = ?, status = ?, retry_count = ?,
			created_at = ?, started_at = ?, finalized_at = ?, last_retry_at = ?,
			result = ?, error_kind = ?, error_message = ?
		WHERE id = ?`,
		job.Input, options, string(job.Status), job.RetryCount,
		job.CreatedAt.UnixNano(), timeToDB(job.StartedAt), timeToDB(job.FinalizedAt),
		timeToDB(job.LastRetryAt), job.Result, errKind, errMsg, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	return nil
}

// DeleteJob removes a job record. Unknown IDs are a no-op.
func (b *SQLiteBackend) DeleteJob(ctx context.Context, jobID string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	_, err = b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// PendingJobs returns waiting and processing jobs in schedule order.
func (b *SQLiteBackend) PendingJobs(ctx context.Context) ([]*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, input, options, status, retry_count, created_at,
			started_at, finalized_at, last_retry_at, result, error_kind, error_message
		FROM jobs
		WHERE status IN (?, ?)
		ORDER BY COALESCE(last_retry_at, created_at)`,
		string(JobStatusWaiting), string(JobStatusProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, job)
	}
	return pending, rows.Err()
}

// ExpiredJobs returns IDs of terminal jobs finalized before cutoff.
func (b *SQLiteBackend) ExpiredJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN (?, ?, ?) AND finalized_at IS NOT NULL AND finalized_at < ?
		ORDER BY id`,
		string(JobStatusCompleted), string(JobStatusFailed), string(JobStatusCancelled),
		cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expired := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		expired = append(expired, id)
	}
	return expired, rows.Err()
}

// Helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		options     sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		finalizedAt sql.NullInt64
		lastRetryAt sql.NullInt64
		result      sql.NullString
		errKind     sql.NullString
		errMsg      sql.NullString
	)

	err := row.Scan(&job.ID, &job.Input, &options, &status, &job.RetryCount,
		&createdAt, &startedAt, &finalizedAt, &lastRetryAt, &result, &errKind, &errMsg)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.CreatedAt = time.Unix(0, createdAt)
	job.StartedAt = timeFromDB(startedAt)
	job.FinalizedAt = timeFromDB(finalizedAt)
	job.LastRetryAt = timeFromDB(lastRetryAt)
	if result.Valid {
		job.Result = result.String
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &job.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options for job %s: %w", job.ID, err)
		}
	}
	if errKind.Valid && errKind.String != "" {
		job.Error = &JobError{Kind: ErrorKind(errKind.String), Message: errMsg.String}
	}
	return &job, nil
}

func encodeOptions(opts TransformOptions) (sql.NullString, error) {
	if opts == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode options: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeJobError(jerr *JobError) (sql.NullString, sql.NullString) {
	if jerr == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(jerr.Kind), Valid: true},
		sql.NullString{String: jerr.Message, Valid: true}
}

func timeToDB(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromDB(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
