package queuectl_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/queuectl/queuectl"
)

// testLogger creates a logger for tests (discards output)
func testLogger() *zap.Logger {
	return zap.NewNop()
}

// baseTime returns a fixed-offset creation time so ordering assertions do
// not race the wall clock.
func baseTime() time.Time {
	return time.Now().Add(-time.Hour)
}

// testJob builds a pending job with an explicit creation time so FIFO
// ordering in tests never depends on clock resolution.
func testJob(id string, createdAt time.Time, maxRetries int) *queuectl.Job {
	return &queuectl.Job{
		ID:         id,
		Command:    "echo " + id,
		MaxRetries: maxRetries,
		CreatedAt:  createdAt,
	}
}

// BackendTestSuite runs a comprehensive test suite against a Backend implementation
func BackendTestSuite(backendFactory func() (queuectl.Backend, func())) {
	var backend queuectl.Backend
	var cleanup func()
	var ctx context.Context
	var base time.Time

	BeforeEach(func() {
		backend, cleanup = backendFactory()
		ctx = context.Background()
		base = baseTime()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("CreateJob", func() {
		It("should create a pending job with zero attempts", func() {
			err := backend.CreateJob(ctx, testJob("job-1", base, 3))
			Expect(err).NotTo(HaveOccurred())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StatePending))
			Expect(job.Attempts).To(Equal(0))
			Expect(job.Command).To(Equal("echo job-1"))
			Expect(job.MaxRetries).To(Equal(3))
			Expect(job.UpdatedAt.IsZero()).To(BeFalse())
		})

		It("should reject a duplicate job ID", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())

			err := backend.CreateJob(ctx, testJob("job-1", base.Add(time.Second), 3))
			Expect(err).To(MatchError(queuectl.ErrDuplicateID))
		})

		It("should handle context cancellation", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			cancel()

			err := backend.CreateJob(cancelCtx, testJob("job-1", base, 3))
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("GetJob", func() {
		It("should return ErrNotFound for an unknown ID", func() {
			_, err := backend.GetJob(ctx, "missing")
			Expect(err).To(MatchError(queuectl.ErrNotFound))
		})
	})

	Describe("ListJobs", func() {
		It("should return jobs in creation order", func() {
			Expect(backend.CreateJob(ctx, testJob("job-b", base.Add(2*time.Second), 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-a", base.Add(1*time.Second), 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-c", base.Add(3*time.Second), 3))).To(Succeed())

			jobs, err := backend.ListJobs(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].ID).To(Equal("job-a"))
			Expect(jobs[1].ID).To(Equal("job-b"))
			Expect(jobs[2].ID).To(Equal("job-c"))
		})

		It("should filter by state", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-2", base.Add(time.Second), 3))).To(Succeed())

			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-1"))

			pending, err := backend.ListJobs(ctx, queuectl.StatePending)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ID).To(Equal("job-2"))

			processing, err := backend.ListJobs(ctx, queuectl.StateProcessing)
			Expect(err).NotTo(HaveOccurred())
			Expect(processing).To(HaveLen(1))
			Expect(processing[0].ID).To(Equal("job-1"))
		})

		It("should return an empty slice for an empty store", func() {
			jobs, err := backend.ListJobs(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})
	})

	Describe("ClaimNext", func() {
		It("should claim the oldest pending job", func() {
			Expect(backend.CreateJob(ctx, testJob("job-new", base.Add(time.Minute), 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-old", base, 3))).To(Succeed())

			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-old"))
			Expect(claimed.State).To(Equal(queuectl.StateProcessing))
			Expect(claimed.Attempts).To(Equal(1))
			Expect(claimed.ClaimedBy).To(Equal("worker-1"))
		})

		It("should return nil when no pending job exists", func() {
			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeNil())
		})

		It("should not hand the same job to a second claimer", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())

			first, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.ID).To(Equal("job-1"))

			second, err := backend.ClaimNext(ctx, "worker-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeNil())
		})

		It("should increment attempts on every claim", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 5))).To(Succeed())

			for want := 1; want <= 3; want++ {
				claimed, err := backend.ClaimNext(ctx, "worker-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed.Attempts).To(Equal(want))

				_, err = backend.MarkFailed(ctx, "job-1", "boom")
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("should bump UpdatedAt", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			before, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.UpdatedAt.Before(before.UpdatedAt)).To(BeFalse())
		})

		It("should assign each job exactly once across concurrent claimers", func() {
			const jobCount = 50
			const workers = 8

			for i := 0; i < jobCount; i++ {
				job := testJob(fmt.Sprintf("job-%03d", i), base.Add(time.Duration(i)*time.Second), 3)
				Expect(backend.CreateJob(ctx, job)).To(Succeed())
			}

			var mu sync.Mutex
			claims := make(map[string]int)

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(workerID string) {
					defer wg.Done()
					defer GinkgoRecover()
					for {
						job, err := backend.ClaimNext(ctx, workerID)
						if errors.Is(err, queuectl.ErrLockTimeout) {
							continue
						}
						Expect(err).NotTo(HaveOccurred())
						if job == nil {
							return
						}
						mu.Lock()
						claims[job.ID]++
						mu.Unlock()
					}
				}(fmt.Sprintf("concurrent-worker-%d", w))
			}
			wg.Wait()

			Expect(claims).To(HaveLen(jobCount))
			for id, n := range claims {
				Expect(n).To(Equal(1), "job %s claimed %d times", id, n)
			}
		})
	})

	Describe("MarkCompleted", func() {
		It("should transition a processing job to completed", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			_, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(backend.MarkCompleted(ctx, "job-1")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StateCompleted))
			Expect(job.ClaimedBy).To(BeEmpty())
		})

		It("should reject a job that is not processing", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			Expect(backend.MarkCompleted(ctx, "job-1")).To(MatchError(queuectl.ErrInvalidState))
		})

		It("should return ErrNotFound for an unknown ID", func() {
			Expect(backend.MarkCompleted(ctx, "missing")).To(MatchError(queuectl.ErrNotFound))
		})
	})

	Describe("MarkFailed", func() {
		It("should re-queue while the retry budget allows", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			_, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			state, err := backend.MarkFailed(ctx, "job-1", "exit status 1")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(queuectl.StatePending))

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StatePending))
			Expect(job.Attempts).To(Equal(1))
			Expect(job.LastError).To(Equal("exit status 1"))
			Expect(job.ClaimedBy).To(BeEmpty())
		})

		It("should dead-letter only after max_retries+1 failed attempts", func() {
			const maxRetries = 2
			Expect(backend.CreateJob(ctx, testJob("job-1", base, maxRetries))).To(Succeed())

			// Attempts 1..maxRetries fail back to pending.
			for i := 0; i < maxRetries; i++ {
				_, err := backend.ClaimNext(ctx, "worker-1")
				Expect(err).NotTo(HaveOccurred())
				state, err := backend.MarkFailed(ctx, "job-1", "boom")
				Expect(err).NotTo(HaveOccurred())
				Expect(state).To(Equal(queuectl.StatePending))
			}

			// The final allowed attempt exhausts the budget.
			_, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			state, err := backend.MarkFailed(ctx, "job-1", "boom")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(queuectl.StateDead))

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StateDead))
			Expect(job.Attempts).To(Equal(maxRetries + 1))
		})

		It("should put a re-queued job back at its original queue position", func() {
			Expect(backend.CreateJob(ctx, testJob("job-old", base, 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-new", base.Add(time.Minute), 3))).To(Succeed())

			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-old"))

			_, err = backend.MarkFailed(ctx, "job-old", "boom")
			Expect(err).NotTo(HaveOccurred())

			// job-old was created first, so it is claimed again before job-new.
			claimed, err = backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-old"))
		})

		It("should reject a job that is not processing", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			_, err := backend.MarkFailed(ctx, "job-1", "boom")
			Expect(err).To(MatchError(queuectl.ErrInvalidState))
		})
	})

	Describe("MoveToDLQ", func() {
		It("should force a pending job to dead", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			Expect(backend.MoveToDLQ(ctx, "job-1")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StateDead))
		})

		It("should remove the job from the claimable queue", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			Expect(backend.MoveToDLQ(ctx, "job-1")).To(Succeed())

			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeNil())
		})

		It("should reject terminal jobs", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			_, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MarkCompleted(ctx, "job-1")).To(Succeed())

			Expect(backend.MoveToDLQ(ctx, "job-1")).To(MatchError(queuectl.ErrInvalidState))
		})
	})

	Describe("RetryFromDLQ", func() {
		deadLetter := func(id string) {
			Expect(backend.CreateJob(ctx, testJob(id, base, 0))).To(Succeed())
			_, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			state, err := backend.MarkFailed(ctx, id, "boom")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(queuectl.StateDead))
		}

		It("should reset the retry budget and clear the last error", func() {
			deadLetter("job-1")

			Expect(backend.RetryFromDLQ(ctx, "job-1")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StatePending))
			Expect(job.Attempts).To(Equal(0))
			Expect(job.LastError).To(BeEmpty())
		})

		It("should make the job claimable again", func() {
			deadLetter("job-1")
			Expect(backend.RetryFromDLQ(ctx, "job-1")).To(Succeed())

			claimed, err := backend.ClaimNext(ctx, "worker-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-1"))
			Expect(claimed.Attempts).To(Equal(1))
		})

		It("should reject jobs that are not dead", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			Expect(backend.RetryFromDLQ(ctx, "job-1")).To(MatchError(queuectl.ErrNotDead))
		})

		It("should return ErrNotFound for an unknown ID", func() {
			Expect(backend.RetryFromDLQ(ctx, "missing")).To(MatchError(queuectl.ErrNotFound))
		})
	})

	Describe("RequeueOrphans", func() {
		It("should return processing jobs to pending and keep attempts", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-2", base.Add(time.Second), 3))).To(Succeed())
			_, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.ClaimNext(ctx, "worker-2")
			Expect(err).NotTo(HaveOccurred())

			n, err := backend.RequeueOrphans(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			for _, id := range []string{"job-1", "job-2"} {
				job, err := backend.GetJob(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.State).To(Equal(queuectl.StatePending))
				Expect(job.Attempts).To(Equal(1))
				Expect(job.ClaimedBy).To(BeEmpty())
			}
		})

		It("should do nothing when no job is processing", func() {
			Expect(backend.CreateJob(ctx, testJob("job-1", base, 3))).To(Succeed())

			n, err := backend.RequeueOrphans(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(0))
		})
	})

	Describe("Stats", func() {
		It("should count jobs per state", func() {
			Expect(backend.CreateJob(ctx, testJob("job-pending", base, 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-done", base.Add(time.Second), 3))).To(Succeed())
			Expect(backend.CreateJob(ctx, testJob("job-dead", base.Add(2*time.Second), 0))).To(Succeed())

			claimed, err := backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-pending"))
			Expect(backend.MarkCompleted(ctx, "job-pending")).To(Succeed())

			claimed, err = backend.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal("job-done"))

			Expect(backend.MoveToDLQ(ctx, "job-dead")).To(Succeed())

			stats, err := backend.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(3))
			Expect(stats.Pending).To(Equal(0))
			Expect(stats.Processing).To(Equal(1))
			Expect(stats.Completed).To(Equal(1))
			Expect(stats.Dead).To(Equal(1))
			Expect(stats.TotalAttempts).To(Equal(2))
		})
	})
}
