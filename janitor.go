package textpool

import (
	"context"
	"time"
)

// janitorLoop evicts expired terminal jobs on a fixed interval until
// the scheduler is closed.
func (s *Scheduler) janitorLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			count, err := s.CleanupExpiredJobs(context.Background())
			if err != nil {
				s.logger.Warn("janitor: cleanup failed", "error", err)
			} else if count > 0 {
				s.logger.Info("janitor: evicted expired jobs", "count", count)
			}
		}
	}
}

// CleanupExpiredJobs deletes terminal jobs whose results have been
// retained longer than the retention window and returns the number of
// jobs evicted. The janitor runs this periodically; callers may also
// invoke it directly to force a sweep.
func (s *Scheduler) CleanupExpiredJobs(ctx context.Context) (int, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.cfg.RetentionWindow)
	expired, err := s.backend.ExpiredJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, jobID := range expired {
		if err := s.backend.DeleteJob(ctx, jobID); err != nil {
			s.logger.Warn("janitor: failed to delete expired job", "jobID", jobID, "error", err)
			continue
		}
		evicted++
	}
	return evicted, nil
}
