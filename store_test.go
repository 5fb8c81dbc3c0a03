package queuectl_test

import (
	"context"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queuectl/queuectl"
)

var _ = Describe("Store", func() {
	var store *queuectl.Store
	var cfg *queuectl.Config
	var ctx context.Context

	BeforeEach(func() {
		cfg = queuectl.DefaultConfig()
		cfg.MaxRetries = 5
		store = queuectl.NewStore(queuectl.NewInMemoryBackend(), cfg, testLogger())
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = store.Close()
	})

	Describe("Enqueue", func() {
		It("should reject a nil job", func() {
			_, err := store.Enqueue(ctx, nil)
			Expect(err).To(HaveOccurred())
		})

		It("should reject an empty command", func() {
			_, err := store.Enqueue(ctx, &queuectl.Job{ID: "job-1"})
			Expect(err).To(HaveOccurred())
		})

		It("should generate a UUID when no ID is given", func() {
			id, err := store.Enqueue(ctx, &queuectl.Job{Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			_, err = uuid.Parse(id)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should keep a caller-supplied ID", func() {
			id, err := store.Enqueue(ctx, &queuectl.Job{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("job-1"))
		})

		It("should snapshot max_retries from the config", func() {
			id, err := store.Enqueue(ctx, &queuectl.Job{Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())

			// A later config change must not affect the queued job.
			cfg.MaxRetries = 1

			job, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.MaxRetries).To(Equal(5))
		})

		It("should keep an explicit max_retries", func() {
			id, err := store.Enqueue(ctx, &queuectl.Job{Command: "echo hi", MaxRetries: 9})
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.MaxRetries).To(Equal(9))
		})
	})

	Describe("ListDead", func() {
		It("should return only dead jobs", func() {
			_, err := store.Enqueue(ctx, &queuectl.Job{ID: "job-live", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Enqueue(ctx, &queuectl.Job{ID: "job-doomed", Command: "false"})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.MoveToDLQ(ctx, "job-doomed")).To(Succeed())

			dead, err := store.ListDead(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(dead).To(HaveLen(1))
			Expect(dead[0].ID).To(Equal("job-doomed"))
		})
	})
})
