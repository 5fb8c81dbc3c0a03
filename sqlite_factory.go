//go:build sqlite
// +build sqlite

package queuectl

func newSQLiteBackend(dbPath string) (Backend, error) {
	return NewSQLiteBackend(dbPath)
}
