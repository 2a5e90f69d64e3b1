package textpool

import "log/slog"

// Observer receives job lifecycle notifications. All methods are called
// with a snapshot of the job; mutating it has no effect on the queue.
// Observers are invoked synchronously from scheduler goroutines and
// must not call back into the Scheduler.
type Observer interface {
	JobQueued(job *Job)
	JobStarted(job *Job)
	JobRetried(job *Job)
	JobCompleted(job *Job)
	JobFailed(job *Job)
	JobCancelled(job *Job)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) JobQueued(*Job)    {}
func (NopObserver) JobStarted(*Job)   {}
func (NopObserver) JobRetried(*Job)   {}
func (NopObserver) JobCompleted(*Job) {}
func (NopObserver) JobFailed(*Job)    {}
func (NopObserver) JobCancelled(*Job) {}

// LogObserver logs every transition through slog. It is the default
// observer.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer logging at info level.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) JobQueued(job *Job) {
	o.logger.Info("job queued", "jobID", job.ID)
}

func (o *LogObserver) JobStarted(job *Job) {
	o.logger.Info("job started", "jobID", job.ID, "retryCount", job.RetryCount)
}

func (o *LogObserver) JobRetried(job *Job) {
	o.logger.Info("job requeued for retry", "jobID", job.ID, "retryCount", job.RetryCount, "error", job.Error)
}

func (o *LogObserver) JobCompleted(job *Job) {
	o.logger.Info("job completed", "jobID", job.ID)
}

func (o *LogObserver) JobFailed(job *Job) {
	o.logger.Info("job failed", "jobID", job.ID, "retryCount", job.RetryCount, "error", job.Error)
}

func (o *LogObserver) JobCancelled(job *Job) {
	o.logger.Info("job cancelled", "jobID", job.ID)
}
