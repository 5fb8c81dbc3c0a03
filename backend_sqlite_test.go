//go:build sqlite
// +build sqlite

package queuectl_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/queuectl/queuectl"
)

var _ = Describe("SQLiteBackend", func() {
	BackendTestSuite(func() (queuectl.Backend, func()) {
		tmpDir, err := os.MkdirTemp("", "queuectl_sqlite_*")
		Expect(err).NotTo(HaveOccurred())

		backend, err := queuectl.NewSQLiteBackend(filepath.Join(tmpDir, "queue.db"))
		Expect(err).NotTo(HaveOccurred())

		return backend, func() {
			_ = backend.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})
})
