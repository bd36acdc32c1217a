package statedb

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/tests"
)

var testTmpSeq int64 = 0

// ForTest opens a throwaway state db under a tmp dir. In-memory sqlite in
// shared-cache mode has aggressive locking that gets in the way of the
// concurrency we want to exercise, so a file it is.
func ForTest(t testing.TB) (*DB, func()) {
	tmpDir, teardown := tests.WithTmpDir(t)
	nextSeq := atomic.AddInt64(&testTmpSeq, 1)
	path := filepath.Join(tmpDir, fmt.Sprintf("stateForTest%d.db", nextSeq))
	db, err := Open(path)
	if err != nil {
		teardown()
		t.Fatalf("Couldn't open state db, error %v", err)
	}
	return db, func() {
		db.Close()
		teardown()
	}
}
