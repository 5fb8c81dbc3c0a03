package queuectl_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queuectl/queuectl"
)

var _ = Describe("InMemoryBackend", func() {
	BackendTestSuite(func() (queuectl.Backend, func()) {
		backend := queuectl.NewInMemoryBackend()
		return backend, func() {
			_ = backend.Close()
		}
	})

	Describe("Close", func() {
		It("should reject operations after close", func() {
			backend := queuectl.NewInMemoryBackend()
			Expect(backend.Close()).To(Succeed())

			err := backend.CreateJob(nil, testJob("job-1", baseTime(), 3))
			Expect(err).To(MatchError(queuectl.ErrStoreClosed))
		})
	})
})
