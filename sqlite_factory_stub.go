//go:build !sqlite
// +build !sqlite

package queuectl

import "errors"

func newSQLiteBackend(dbPath string) (Backend, error) {
	return nil, errors.New("queuectl: built without SQLite support (rebuild with -tags sqlite)")
}
