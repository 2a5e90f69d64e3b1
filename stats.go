package textpool

import (
	"sync"
	"time"
)

const (
	// defaultAverageProcessingTime is used for wait estimates before any
	// job has completed, avoiding garbage estimates on a cold start.
	defaultAverageProcessingTime = 30 * time.Second

	// movingAverageWeight gives recent durations more influence; useful
	// because transformer latency drifts as the external service changes.
	movingAverageWeight = 0.1
)

// StatsCollector maintains submission/completion counters and an
// exponentially weighted moving average of processing time. Waiting and
// active counts are derived live from scheduler state, not stored here.
type StatsCollector struct {
	mu        sync.Mutex
	submitted int64
	completed int64
	failed    int64
	cancelled int64
	average   time.Duration
	samples   int64
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

func (c *StatsCollector) RecordSubmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted++
}

// RecordCompleted folds a processing duration into the moving average.
func (c *StatsCollector) RecordCompleted(processingTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	if c.samples == 0 {
		c.average = processingTime
	} else {
		c.average = time.Duration(
			(1-movingAverageWeight)*float64(c.average) +
				movingAverageWeight*float64(processingTime))
	}
	c.samples++
}

func (c *StatsCollector) RecordFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

func (c *StatsCollector) RecordCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
}

// AverageProcessingTime returns the moving average, or the cold-start
// default when no job has completed yet.
func (c *StatsCollector) AverageProcessingTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		return defaultAverageProcessingTime
	}
	return c.average
}

// EstimatedWait estimates how long a job at the given 1-based waiting
// position will wait: ceil(position/concurrency) admission rounds at
// the average processing time each.
func (c *StatsCollector) EstimatedWait(position, concurrency int) time.Duration {
	if position <= 0 {
		return 0
	}
	if concurrency < 1 {
		concurrency = 1
	}
	rounds := (position + concurrency - 1) / concurrency
	return time.Duration(rounds) * c.AverageProcessingTime()
}

// Totals returns the lifetime counters.
func (c *StatsCollector) Totals() (submitted, completed, failed, cancelled int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted, c.completed, c.failed, c.cancelled
}
