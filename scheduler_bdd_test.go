package textpool_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/texttools/textpool"
)

var _ = Describe("Scheduler", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	waitTerminal := func(queue *textpool.Scheduler, jobID string) *textpool.JobStatusView {
		var view *textpool.JobStatusView
		Eventually(func() bool {
			var err error
			view, err = queue.Status(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			return view.Status.IsTerminal()
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
		return view
	}

	Describe("Job submission and completion", func() {
		It("should run a submitted job to completion and expose its result", func() {
			transformer := &stubTransformer{}
			pool := newTestPool(1, transformer)
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "please reword this", textpool.TransformOptions{"tone": "casual"})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).NotTo(BeEmpty())

			view := waitTerminal(queue, jobID)
			Expect(view.Status).To(Equal(textpool.JobStatusCompleted))
			Expect(view.RetryCount).To(Equal(0))

			result, err := queue.Result(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Output).To(Equal("humanized: please reword this"))
			Expect(result.Error).To(BeNil())
			Expect(result.FinalizedAt).NotTo(BeZero())
		})

		It("should generate unique job IDs", func() {
			transformer := &stubTransformer{}
			pool := newTestPool(1, transformer)
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			seen := map[string]bool{}
			for i := 0; i < 20; i++ {
				jobID, err := queue.Submit(ctx, "text", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(seen[jobID]).To(BeFalse())
				seen[jobID] = true
			}
		})

		It("should return ErrResultNotReady before the job finishes", func() {
			transformer := &stubTransformer{delay: 300 * time.Millisecond}
			pool := newTestPool(1, transformer)
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "slow job", nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = queue.Result(ctx, jobID)
			Expect(err).To(MatchError(textpool.ErrResultNotReady))
		})

		It("should return ErrJobNotFound for unknown job IDs", func() {
			transformer := &stubTransformer{}
			pool := newTestPool(1, transformer)
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			_, err = queue.Status(ctx, "no-such-job")
			Expect(err).To(MatchError(textpool.ErrJobNotFound))

			_, err = queue.Result(ctx, "no-such-job")
			Expect(err).To(MatchError(textpool.ErrJobNotFound))
		})

		It("should reject submissions after Close", func() {
			transformer := &stubTransformer{}
			pool := newTestPool(1, transformer)
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.Close()).To(Succeed())

			_, err = queue.Submit(ctx, "too late", nil)
			Expect(err).To(MatchError(textpool.ErrQueueClosed))
		})
	})

	Describe("FIFO admission under a concurrency limit", func() {
		It("should process jobs one at a time in submission order when concurrency is 1", func() {
			var mu sync.Mutex
			var order []string

			transformer := &stubTransformer{delay: 30 * time.Millisecond}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.Concurrency = 1
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()
			queue.SetObserver(startOrderObserver{mu: &mu, order: &order})

			var jobIDs []string
			for i := 0; i < 4; i++ {
				jobID, err := queue.SubmitWithID(ctx, fmt.Sprintf("job-%d", i), "text", nil)
				Expect(err).NotTo(HaveOccurred())
				jobIDs = append(jobIDs, jobID)
			}

			for _, jobID := range jobIDs {
				view := waitTerminal(queue, jobID)
				Expect(view.Status).To(Equal(textpool.JobStatusCompleted))
			}

			mu.Lock()
			defer mu.Unlock()
			Expect(order).To(Equal([]string{"job-0", "job-1", "job-2", "job-3"}))
		})

		It("should report 1-based waiting positions", func() {
			transformer := &stubTransformer{delay: 500 * time.Millisecond}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.Concurrency = 1
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			_, err = queue.SubmitWithID(ctx, "job-a", "text", nil)
			Expect(err).NotTo(HaveOccurred())

			// Wait until job-a occupies the only slot.
			Eventually(func() textpool.JobStatus {
				view, err := queue.Status(ctx, "job-a")
				Expect(err).NotTo(HaveOccurred())
				return view.Status
			}, time.Second, 5*time.Millisecond).Should(Equal(textpool.JobStatusProcessing))

			_, err = queue.SubmitWithID(ctx, "job-b", "text", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = queue.SubmitWithID(ctx, "job-c", "text", nil)
			Expect(err).NotTo(HaveOccurred())

			viewB, err := queue.Status(ctx, "job-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(viewB.Status).To(Equal(textpool.JobStatusWaiting))
			Expect(viewB.Position).To(Equal(1))
			Expect(viewB.EstimatedWait).To(BeNumerically(">", 0))

			viewC, err := queue.Status(ctx, "job-c")
			Expect(err).NotTo(HaveOccurred())
			Expect(viewC.Position).To(Equal(2))
			Expect(viewC.EstimatedWait).To(BeNumerically(">", viewB.EstimatedWait))
		})

		It("should run jobs concurrently up to the limit but no further", func() {
			a := &stubTransformer{delay: 200 * time.Millisecond}
			b := &stubTransformer{delay: 200 * time.Millisecond}
			c := &stubTransformer{delay: 200 * time.Millisecond}
			pool := newTestPool(3, a, b, c)

			cfg := testConfig()
			cfg.Concurrency = 2
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			for i := 0; i < 3; i++ {
				_, err := queue.SubmitWithID(ctx, fmt.Sprintf("job-%d", i), "text", nil)
				Expect(err).NotTo(HaveOccurred())
			}

			Eventually(func() int {
				return queue.Stats().Active
			}, time.Second, 5*time.Millisecond).Should(Equal(2))

			Consistently(func() int {
				return queue.Stats().Active
			}, 100*time.Millisecond, 10*time.Millisecond).Should(BeNumerically("<=", 2))
		})
	})

	Describe("Retry policy", func() {
		It("should requeue a failed job and succeed on a later attempt", func() {
			transformer := &stubTransformer{failUntil: 2}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.MaxRetries = 3
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "flaky text", nil)
			Expect(err).NotTo(HaveOccurred())

			view := waitTerminal(queue, jobID)
			Expect(view.Status).To(Equal(textpool.JobStatusCompleted))
			Expect(view.RetryCount).To(Equal(2))
			Expect(transformer.callCount()).To(Equal(3))

			result, err := queue.Result(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Output).To(Equal("humanized: flaky text"))
		})

		It("should fail permanently once retries are exhausted", func() {
			transformer := &stubTransformer{failUntil: 100}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.MaxRetries = 2
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "always fails", nil)
			Expect(err).NotTo(HaveOccurred())

			view := waitTerminal(queue, jobID)
			Expect(view.Status).To(Equal(textpool.JobStatusFailed))
			Expect(view.RetryCount).To(Equal(2))
			// maxRetries=2 means three attempts total
			Expect(transformer.callCount()).To(Equal(3))

			result, err := queue.Result(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Output).To(BeEmpty())
			Expect(result.Error).NotTo(BeNil())
			Expect(result.Error.Kind).To(Equal(textpool.ErrorKindRetriesExhausted))
			Expect(result.Error.Message).To(ContainSubstring("rejected the request"))
		})

		It("should requeue retried jobs at the tail, not the head", func() {
			var mu sync.Mutex
			var order []string

			transformer := &stubTransformer{failUntil: 1}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.Concurrency = 1
			cfg.MaxRetries = 1
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()
			queue.SetObserver(startOrderObserver{mu: &mu, order: &order})

			_, err = queue.SubmitWithID(ctx, "job-flaky", "text", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = queue.SubmitWithID(ctx, "job-steady", "text", nil)
			Expect(err).NotTo(HaveOccurred())

			waitTerminal(queue, "job-flaky")
			waitTerminal(queue, "job-steady")

			mu.Lock()
			defer mu.Unlock()
			// job-flaky fails once and goes behind job-steady.
			Expect(order).To(Equal([]string{"job-flaky", "job-steady", "job-flaky"}))
		})

		It("should treat a job with zero retries as single-attempt", func() {
			transformer := &stubTransformer{failUntil: 100}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.MaxRetries = 0
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "one shot", nil)
			Expect(err).NotTo(HaveOccurred())

			view := waitTerminal(queue, jobID)
			Expect(view.Status).To(Equal(textpool.JobStatusFailed))
			Expect(view.RetryCount).To(Equal(0))
			Expect(transformer.callCount()).To(Equal(1))
		})
	})

	Describe("Job timeout", func() {
		It("should fail a stuck attempt and free the slot", func() {
			// The attempt sleeps past the timeout; the stub honors
			// context cancellation so the slot comes back.
			transformer := &stubTransformer{delay: 80 * time.Millisecond}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.JobTimeout = 30 * time.Millisecond
			cfg.MaxRetries = 0
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "stuck job", nil)
			Expect(err).NotTo(HaveOccurred())

			view := waitTerminal(queue, jobID)
			Expect(view.Status).To(Equal(textpool.JobStatusFailed))

			result, err := queue.Result(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Error.Message).To(ContainSubstring("timed out"))

			// The slot must be free again for the next job.
			Eventually(func() int {
				return queue.Stats().Pool.Available
			}, time.Second, 5*time.Millisecond).Should(Equal(1))
		})

		It("should let a later job use the slot freed by a timed-out one", func() {
			slow := &stubTransformer{delay: 300 * time.Millisecond}
			pool := newTestPool(1, slow)

			cfg := testConfig()
			cfg.Concurrency = 1
			cfg.JobTimeout = 50 * time.Millisecond
			cfg.MaxRetries = 0
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			_, err = queue.SubmitWithID(ctx, "job-stuck", "text", nil)
			Expect(err).NotTo(HaveOccurred())

			view := waitTerminal(queue, "job-stuck")
			Expect(view.Status).To(Equal(textpool.JobStatusFailed))

			// Next job gets admitted on the recycled slot.
			slow.mu.Lock()
			slow.delay = 0
			slow.mu.Unlock()

			_, err = queue.SubmitWithID(ctx, "job-next", "text", nil)
			Expect(err).NotTo(HaveOccurred())
			next := waitTerminal(queue, "job-next")
			Expect(next.Status).To(Equal(textpool.JobStatusCompleted))
		})
	})

	Describe("Prepare failures", func() {
		It("should retry when the transformer reports not ready", func() {
			transformer := &stubTransformer{prepareErr: fmt.Errorf("session expired")}
			pool := newTestPool(1, transformer)

			cfg := testConfig()
			cfg.MaxRetries = 1
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "text", nil)
			Expect(err).NotTo(HaveOccurred())

			view := waitTerminal(queue, jobID)
			Expect(view.Status).To(Equal(textpool.JobStatusFailed))
			Expect(view.RetryCount).To(Equal(1))

			result, err := queue.Result(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Error.Message).To(ContainSubstring("session expired"))
		})
	})

	Describe("Recovery of pending jobs", func() {
		It("should reset processing jobs to waiting without consuming a retry", func() {
			backend := textpool.NewInMemoryBackend()
			started := time.Now()
			stale := &textpool.Job{
				ID:        "job-stale",
				Input:     "interrupted text",
				Status:    textpool.JobStatusProcessing,
				CreatedAt: time.Now().Add(-time.Minute),
				StartedAt: &started,
			}
			Expect(backend.PutJob(ctx, stale)).To(Succeed())

			transformer := &stubTransformer{}
			pool := newTestPool(1, transformer)
			queue, err := textpool.NewScheduler(backend, pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			view := waitTerminal(queue, "job-stale")
			Expect(view.Status).To(Equal(textpool.JobStatusCompleted))
			Expect(view.RetryCount).To(Equal(0))

			result, err := queue.Result(ctx, "job-stale")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Output).To(Equal("humanized: interrupted text"))
		})
	})

	Describe("Stats", func() {
		It("should expose queue totals and pool utilization", func() {
			transformer := &stubTransformer{}
			pool := newTestPool(2, transformer, &stubTransformer{})
			queue, err := textpool.NewScheduler(textpool.NewInMemoryBackend(), pool, testConfig(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer queue.Close()

			jobID, err := queue.Submit(ctx, "text", nil)
			Expect(err).NotTo(HaveOccurred())
			waitTerminal(queue, jobID)

			Eventually(func() int64 {
				return queue.Stats().TotalCompleted
			}, time.Second, 5*time.Millisecond).Should(Equal(int64(1)))

			stats := queue.Stats()
			Expect(stats.TotalSubmitted).To(Equal(int64(1)))
			Expect(stats.Waiting).To(BeZero())
			Expect(stats.Active).To(BeZero())
			Expect(stats.Concurrency).To(Equal(textpool.DefaultConcurrency))
			Expect(stats.Pool.Size).To(Equal(2))
			Expect(stats.Pool.Available).To(Equal(2))
			Expect(stats.AverageProcessingTime).To(BeNumerically(">", 0))
		})
	})
})

// startOrderObserver records the order in which jobs are admitted.
type startOrderObserver struct {
	textpool.NopObserver
	mu    *sync.Mutex
	order *[]string
}

func (o startOrderObserver) JobStarted(job *textpool.Job) {
	o.mu.Lock()
	*o.order = append(*o.order, job.ID)
	o.mu.Unlock()
}
