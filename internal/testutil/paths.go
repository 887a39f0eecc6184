package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// ProjectRoot walks up from this file to the directory holding go.mod
func ProjectRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// ExampleConfig returns the path of the sample configuration shared by tests
func ExampleConfig(t *testing.T) string {
	t.Helper()
	return filepath.Join(ProjectRoot(t), "internal", "config", "testdata", "example.yaml")
}
