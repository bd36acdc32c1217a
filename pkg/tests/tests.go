package tests

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/utils"
)

func WithTmpDir(t testing.TB) (dir string, teardown func()) {
	tmpDir, err := ioutil.TempDir("", "")
	if err != nil {
		t.Fatal(err)
	}
	return tmpDir, func() {
		os.RemoveAll(tmpDir)
	}
}

func WithTmpFile(t testing.TB, name string) (file *os.File, teardown func()) {
	var teardowns utils.Teardowns
	dir, teardown := WithTmpDir(t)
	teardowns.Add(teardown)

	path := filepath.Join(dir, name)
	var err error
	file, err = os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	teardowns.Add(func() { file.Close() })
	return file, teardowns.Teardown
}
