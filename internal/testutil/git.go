package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
)

// GitIdentity sets a committer identity for git commands run by the test
// and isolates them from the user's global configuration.
func GitIdentity(t *testing.T) {
	t.Helper()
	t.Setenv("GIT_AUTHOR_NAME", "Test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@test.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@test.com")
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
}

// Git runs git with args in dir and returns its trimmed output
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository with an empty branch in dir
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-q", "-b", branch)
}

// CommitFiles writes files relative to the repository root and commits them
func CommitFiles(t *testing.T, repoDir string, files map[string]string, msg string) {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(repoDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(files[name]), 0644); err != nil {
			t.Fatal(err)
		}
	}
	Git(t, repoDir, append([]string{"add", "--"}, names...)...)
	Git(t, repoDir, "commit", "-q", "-m", msg)
}

// CommitSymlink creates a symlink relative to the repository root and commits it
func CommitSymlink(t *testing.T, repoDir, target, name, msg string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, path); err != nil {
		t.Fatal(err)
	}
	Git(t, repoDir, "add", "--", name)
	Git(t, repoDir, "commit", "-q", "-m", msg)
}

// Remote creates a bare repository at dir whose branch holds files
func Remote(t *testing.T, dir, branch string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, filepath.Dir(dir), "init", "-q", "--bare", "-b", branch, dir)

	work := t.TempDir()
	InitRepo(t, work, branch)
	CommitFiles(t, work, files, "Initial commit")
	Git(t, work, "push", "-q", dir, branch)
}

// CommitCount returns the number of commits reachable from HEAD
func CommitCount(t *testing.T, repoDir string) int {
	t.Helper()
	n, err := strconv.Atoi(Git(t, repoDir, "rev-list", "--count", "HEAD"))
	if err != nil {
		t.Fatal(err)
	}
	return n
}
