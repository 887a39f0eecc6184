package command

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestExecute(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("here"), 0644))
	r := NewRunner(testLogger())

	tests := []struct {
		name     string
		cmd      Command
		wantOut  string
		wantCode int
		wantErr  bool
	}{
		{name: "stdout captured", cmd: Shell(dir, "echo hello"), wantOut: "hello\n"},
		{name: "workdir honoured", cmd: Shell(dir, "cat marker"), wantOut: "here"},
		{name: "non-zero exit", cmd: Shell(dir, "echo oops >&2; exit 3"), wantErr: true, wantCode: 3},
		{name: "empty executable", cmd: Command{}, wantErr: true, wantCode: -1},
		{name: "missing binary", cmd: Command{Executable: "definitely-not-a-real-binary"}, wantErr: true, wantCode: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Execute(context.Background(), tt.cmd)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, ExitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
		})
	}
}

func TestExecute_FailedErrorCarriesStderr(t *testing.T) {
	r := NewRunner(testLogger())
	_, err := r.Execute(context.Background(), Shell(t.TempDir(), "echo broken >&2; exit 1"))
	require.Error(t, err)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "broken", failed.Stderr)
	assert.Equal(t, 1, failed.ExitCode)
	assert.Contains(t, failed.Error(), "bash -c")
}

func TestExecute_Env(t *testing.T) {
	r := NewRunner(testLogger())
	cmd := Shell(t.TempDir(), "printf %s \"$CWSYNC_TEST_VALUE\"")
	cmd.Env = []string{"CWSYNC_TEST_VALUE=42"}

	out, err := r.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "git status --short", Command{Executable: "git", Args: []string{"status", "--short"}}.String())
	assert.Equal(t, "klist", Command{Executable: "klist"}.String())
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "    a\n\n    b", Indent("a\n\nb", "    "))
	assert.Equal(t, "", Indent("", "  "))
}
