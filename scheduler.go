package textpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the job queue orchestrator. It owns the waiting list and
// the active-job set, drives admission of waiting jobs as pool capacity
// allows, and enforces the retry, timeout, and retention policies.
//
// All caller-facing operations are non-blocking: they return after a
// brief critical section. A Scheduler is constructed explicitly and
// passed to whatever long-lived process owns it; there is no package
// singleton.
type Scheduler struct {
	backend Backend
	pool    *TransformerPool
	cfg     *Config
	logger  *slog.Logger
	stats   *StatsCollector

	mu       sync.Mutex
	waiting  []string // FIFO list of waiting job IDs
	active   map[string]*activeJob
	observer Observer
	closed   bool

	closeCh chan struct{}
	loopWg  sync.WaitGroup // admission and janitor tick loops
	jobWg   sync.WaitGroup // in-flight job executions
}

type activeJob struct {
	handle     *TransformerHandle
	admittedAt time.Time
}

// NewScheduler creates a Scheduler over the given backend and pool and
// starts its admission and janitor loops. Jobs already stored in the
// backend (from a previous run of a persistent backend) are recovered:
// processing jobs are reset to waiting and the waiting list is rebuilt
// in schedule order.
func NewScheduler(backend Backend, pool *TransformerPool, cfg *Config, logger *slog.Logger) (*Scheduler, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	if pool == nil {
		return nil, fmt.Errorf("transformer pool is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		backend:  backend,
		pool:     pool,
		cfg:      cfg.normalized(),
		logger:   logger,
		stats:    NewStatsCollector(),
		active:   make(map[string]*activeJob),
		observer: NewLogObserver(logger),
		closeCh:  make(chan struct{}),
	}

	if err := s.recoverPending(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to recover pending jobs: %w", err)
	}

	s.loopWg.Add(2)
	go s.admissionLoop()
	go s.janitorLoop()

	return s, nil
}

// SetObserver replaces the lifecycle observer. Call before submitting
// jobs; transitions occurring during the swap may go to either observer.
func (s *Scheduler) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// recoverPending rebuilds the waiting list from the backend. Jobs left
// in processing by a previous run no longer hold any slot, so they go
// back to waiting without consuming a retry.
func (s *Scheduler) recoverPending(ctx context.Context) error {
	pending, err := s.backend.PendingJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if job.Status == JobStatusProcessing {
			job.Status = JobStatusWaiting
			if err := s.backend.UpdateJob(ctx, job); err != nil {
				return err
			}
			s.logger.Debug("recover: reset processing job to waiting", "jobID", job.ID)
		}
		s.waiting = append(s.waiting, job.ID)
	}
	if len(s.waiting) > 0 {
		s.logger.Info("recovered pending jobs", "count", len(s.waiting))
	}
	return nil
}

// Submit creates a job with a generated ID in the waiting state and
// appends it to the tail of the waiting list. It returns immediately;
// the job is admitted by a later admission tick.
func (s *Scheduler) Submit(ctx context.Context, input string, options TransformOptions) (string, error) {
	return s.SubmitWithID(ctx, uuid.NewString(), input, options)
}

// SubmitWithID is Submit with a caller-supplied job ID. The ID must not
// collide with any concurrently-live job.
func (s *Scheduler) SubmitWithID(ctx context.Context, jobID, input string, options TransformOptions) (string, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return "", err
	}
	if jobID == "" {
		return "", fmt.Errorf("job ID is empty")
	}

	job := &Job{
		ID:        jobID,
		Input:     input,
		Options:   cloneOptions(options),
		Status:    JobStatusWaiting,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrQueueClosed
	}
	if err := s.backend.PutJob(ctx, job); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.waiting = append(s.waiting, jobID)
	position := len(s.waiting)
	observer := s.observer
	s.mu.Unlock()

	s.stats.RecordSubmitted()
	s.logger.Debug("Submit: job queued", "jobID", jobID, "position", position)
	observer.JobQueued(cloneJob(job))
	return jobID, nil
}

// Status returns the current status of a job, including its 1-based
// waiting-list position and a wait estimate while it is waiting.
// Returns ErrJobNotFound for unknown or evicted IDs.
//
// A job requeued after a failed attempt reports waiting again; callers
// track in-flight retries via RetryCount.
func (s *Scheduler) Status(ctx context.Context, jobID string) (*JobStatusView, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("job ID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &JobStatusView{
		JobID:      job.ID,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		CreatedAt:  job.CreatedAt,
	}
	switch job.Status {
	case JobStatusWaiting:
		for i, id := range s.waiting {
			if id == jobID {
				view.Position = i + 1
				break
			}
		}
		view.EstimatedWait = s.stats.EstimatedWait(view.Position, s.cfg.Concurrency)
	case JobStatusProcessing:
		if job.StartedAt != nil {
			view.ProcessingFor = time.Since(*job.StartedAt)
		}
	}
	return view, nil
}

// Result returns the terminal outcome of a job: the transformed text
// for completed jobs, the error for failed ones. It returns
// ErrResultNotReady while the job is still waiting or processing and
// ErrJobNotFound for unknown or evicted IDs.
func (s *Scheduler) Result(ctx context.Context, jobID string) (*JobResult, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("job ID is empty")
	}

	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrResultNotReady, jobID, job.Status)
	}

	res := &JobResult{
		JobID:  job.ID,
		Status: job.Status,
	}
	if job.FinalizedAt != nil {
		res.FinalizedAt = *job.FinalizedAt
		if job.StartedAt != nil {
			res.ProcessingTime = job.FinalizedAt.Sub(*job.StartedAt)
		}
	}
	switch job.Status {
	case JobStatusCompleted:
		res.Output = job.Result
	case JobStatusFailed:
		errCopy := *job.Error
		res.Error = &errCopy
	}
	return res, nil
}

// Cancel removes a job from the waiting list and marks it cancelled.
// It returns true only if the job was waiting at call time; processing
// jobs run to completion, failure, or timeout regardless.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("job ID is empty")
	}

	s.mu.Lock()
	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if job.Status != JobStatusWaiting {
		s.mu.Unlock()
		s.logger.Debug("Cancel: job not waiting", "jobID", jobID, "status", job.Status)
		return false, nil
	}

	for i, id := range s.waiting {
		if id == jobID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	now := time.Now()
	job.Status = JobStatusCancelled
	job.FinalizedAt = &now
	if err := s.backend.UpdateJob(ctx, job); err != nil {
		s.mu.Unlock()
		return false, err
	}
	observer := s.observer
	s.mu.Unlock()

	s.stats.RecordCancelled()
	s.logger.Debug("Cancel: job cancelled", "jobID", jobID)
	observer.JobCancelled(cloneJob(job))
	return true, nil
}

// Stats returns a snapshot of queue and pool state.
func (s *Scheduler) Stats() *QueueStats {
	s.mu.Lock()
	waiting := len(s.waiting)
	active := len(s.active)
	s.mu.Unlock()

	submitted, completed, failed, cancelled := s.stats.Totals()
	return &QueueStats{
		Waiting:               waiting,
		Active:                active,
		TotalSubmitted:        submitted,
		TotalCompleted:        completed,
		TotalFailed:           failed,
		TotalCancelled:        cancelled,
		AverageProcessingTime: s.stats.AverageProcessingTime(),
		EstimatedWait:         s.stats.EstimatedWait(waiting, s.cfg.Concurrency),
		Concurrency:           s.cfg.Concurrency,
		Pool:                  s.pool.Stats(),
	}
}

// admissionLoop admits waiting jobs on a fixed tick. Tick-based
// admission coalesces bursts and keeps admission ordering simple under
// concurrent submit/cancel/complete events.
func (s *Scheduler) admissionLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.AdmissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.admitWaiting(context.Background())
		}
	}
}

// admitWaiting pops waiting jobs into execution while the active count
// is below the concurrency limit and a pool slot is free.
func (s *Scheduler) admitWaiting(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.closed || len(s.waiting) == 0 || len(s.active) >= s.cfg.Concurrency {
			s.mu.Unlock()
			return
		}

		handle, ok := s.pool.Acquire()
		if !ok {
			// Pool capacity raced away; retry on the next tick.
			s.mu.Unlock()
			s.logger.Debug("admit: no free transformer", "kind", ErrorKindUnavailable)
			return
		}

		jobID := s.waiting[0]
		s.waiting = s.waiting[1:]

		job, err := s.backend.GetJob(ctx, jobID)
		if err != nil {
			s.pool.Release(handle)
			s.mu.Unlock()
			s.logger.Warn("admit: dropping job with unreadable record", "jobID", jobID, "error", err)
			continue
		}
		if job.Status != JobStatusWaiting {
			// Cancelled between enqueue and admission.
			s.pool.Release(handle)
			s.mu.Unlock()
			s.logger.Debug("admit: skipping non-waiting job", "jobID", jobID, "status", job.Status)
			continue
		}

		now := time.Now()
		job.Status = JobStatusProcessing
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		if err := s.backend.UpdateJob(ctx, job); err != nil {
			// Could not record the transition; put the job back at the
			// front so it keeps its place.
			s.waiting = append([]string{jobID}, s.waiting...)
			s.pool.Release(handle)
			s.mu.Unlock()
			s.logger.Warn("admit: failed to mark job processing", "jobID", jobID, "error", err)
			return
		}

		s.active[jobID] = &activeJob{handle: handle, admittedAt: now}
		activeCount := len(s.active)
		s.jobWg.Add(1)
		observer := s.observer
		snapshot := cloneJob(job)
		s.mu.Unlock()

		s.logger.Debug("admit: job admitted", "jobID", jobID, "active", activeCount)
		observer.JobStarted(snapshot)
		go s.runJob(snapshot, handle)
	}
}

// runJob executes one processing attempt and applies the retry policy.
// The handle is released exactly once, before the outcome is recorded,
// so a freed slot is observable as soon as the attempt ends.
func (s *Scheduler) runJob(job *Job, handle *TransformerHandle) {
	defer s.jobWg.Done()

	output, terr := s.executeAttempt(job, handle)
	s.pool.Release(handle)
	s.finishAttempt(job.ID, output, terr)
}

// executeAttempt races Prepare+Transform against the job timeout. The
// attempt goroutine writes into a buffered channel, so a result arriving
// after the timeout is discarded rather than leaked.
func (s *Scheduler) executeAttempt(job *Job, handle *TransformerHandle) (string, *TransformError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	type attemptOutcome struct {
		output string
		err    *TransformError
	}
	outcomeCh := make(chan attemptOutcome, 1)

	go func() {
		transformer := handle.Transformer()
		if err := transformer.Prepare(ctx); err != nil {
			outcomeCh <- attemptOutcome{err: &TransformError{Kind: ErrorKindNotReady, Message: err.Error()}}
			return
		}
		output, err := transformer.Transform(ctx, job.Input, job.Options)
		if err != nil {
			outcomeCh <- attemptOutcome{err: &TransformError{Kind: ErrorKindTransformFailed, Message: err.Error()}}
			return
		}
		outcomeCh <- attemptOutcome{output: output}
	}()

	select {
	case outcome := <-outcomeCh:
		return outcome.output, outcome.err
	case <-ctx.Done():
		return "", &TransformError{
			Kind:    ErrorKindTimeout,
			Message: fmt.Sprintf("job timed out after %s", s.cfg.JobTimeout),
		}
	}
}

// finishAttempt records the outcome of an attempt: completion, a
// tail-requeue retry, or terminal failure once the retry budget is
// spent.
func (s *Scheduler) finishAttempt(jobID string, output string, terr *TransformError) {
	ctx := context.Background()

	s.mu.Lock()
	var attemptTime time.Duration
	if entry, ok := s.active[jobID]; ok {
		attemptTime = time.Since(entry.admittedAt)
	}
	delete(s.active, jobID)

	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("finish: job record missing", "jobID", jobID, "error", err)
		return
	}

	now := time.Now()
	var notify func(*Job)
	observer := s.observer

	switch {
	case terr == nil:
		job.Status = JobStatusCompleted
		job.Result = output
		job.Error = nil
		job.FinalizedAt = &now
		var elapsed time.Duration
		if job.StartedAt != nil {
			elapsed = now.Sub(*job.StartedAt)
		}
		s.stats.RecordCompleted(elapsed)
		s.logger.Debug("finish: job completed", "jobID", jobID, "processingTime", elapsed)
		notify = observer.JobCompleted

	case job.RetryCount < s.cfg.MaxRetries:
		job.RetryCount++
		job.Status = JobStatusWaiting
		job.LastRetryAt = &now
		job.Error = &JobError{Kind: terr.Kind, Message: terr.Message}
		s.waiting = append(s.waiting, jobID)
		s.logger.Debug("finish: job requeued",
			"jobID", jobID, "retryCount", job.RetryCount, "maxRetries", s.cfg.MaxRetries,
			"attemptTime", attemptTime, "error", terr)
		notify = observer.JobRetried

	default:
		job.Status = JobStatusFailed
		job.FinalizedAt = &now
		job.Error = &JobError{Kind: ErrorKindRetriesExhausted, Message: terr.Message}
		s.stats.RecordFailed()
		s.logger.Debug("finish: job failed permanently",
			"jobID", jobID, "retryCount", job.RetryCount, "error", terr)
		notify = observer.JobFailed
	}

	if err := s.backend.UpdateJob(ctx, job); err != nil {
		s.logger.Warn("finish: failed to record outcome", "jobID", jobID, "error", err)
	}
	snapshot := cloneJob(job)
	s.mu.Unlock()

	notify(snapshot)
}

// Close stops admission and the janitor, waits for in-flight jobs to
// flush their bookkeeping, and closes the pool and the backend. Every
// attempt is bounded by the job timeout, so the wait is bounded too.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	s.loopWg.Wait()

	grace := s.cfg.JobTimeout + time.Second
	done := make(chan struct{})
	go func() {
		s.jobWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("Close: timed out waiting for in-flight jobs", "grace", grace)
	}

	if err := s.pool.Close(); err != nil {
		s.logger.Warn("Close: pool close failed", "error", err)
	}
	return s.backend.Close()
}
