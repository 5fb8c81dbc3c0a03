package queuectl_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queuectl/queuectl"
)

var _ = Describe("BadgerBackend", func() {
	BackendTestSuite(func() (queuectl.Backend, func()) {
		tmpDir, err := os.MkdirTemp("", "queuectl_badger_*")
		Expect(err).NotTo(HaveOccurred())

		backend, err := queuectl.NewBadgerBackend(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	Describe("durability", func() {
		It("should keep jobs across close and reopen", func() {
			tmpDir, err := os.MkdirTemp("", "queuectl_badger_reopen_*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			ctx := context.Background()

			backend, err := queuectl.NewBadgerBackend(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.CreateJob(ctx, testJob("job-1", baseTime(), 3))).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			reopened, err := queuectl.NewBadgerBackend(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close()

			job, err := reopened.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.StatePending))

			// The FIFO index must survive too, or the job is invisible to claims.
			claimed, err := reopened.ClaimNext(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).NotTo(BeNil())
			Expect(claimed.ID).To(Equal("job-1"))
		})
	})
})
