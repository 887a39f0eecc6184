package command

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Command describes a single process invocation
type Command struct {
	WorkDir    string
	Executable string
	Args       []string
	Env        []string
}

// Shell returns a command that runs script through bash in dir
func Shell(dir, script string) Command {
	return Command{
		WorkDir:    dir,
		Executable: "bash",
		Args:       []string{"-c", script},
	}
}

func (c Command) String() string {
	return strings.TrimSpace(c.Executable + " " + strings.Join(c.Args, " "))
}

// FailedError is returned when a command exits with a non-zero status
type FailedError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *FailedError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("'%s' failed with exit code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("'%s' failed with exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Runner executes external commands
type Runner interface {
	// Execute runs the command and returns its standard output
	Execute(ctx context.Context, command Command) (string, error)
}

// NewRunner creates a Runner backed by os/exec
func NewRunner(logger *slog.Logger) Runner {
	return &runner{logger: logger}
}

type runner struct {
	logger *slog.Logger
}

func (r *runner) Execute(ctx context.Context, command Command) (string, error) {
	if command.Executable == "" {
		return "", errors.New("command executable can not be empty")
	}
	// nolint:gosec
	cmd := exec.CommandContext(ctx, command.Executable, command.Args...)
	cmd.Dir = command.WorkDir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", "cmd", command.String(), "dir", command.WorkDir)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &FailedError{
				Command:  command.String(),
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return stdout.String(), errors.Wrapf(err, "failed to start %s", command.Executable)
	}
	return stdout.String(), nil
}

// ExitCode extracts the exit code from a FailedError, or -1 for any other error
func ExitCode(err error) int {
	var failed *FailedError
	if errors.As(err, &failed) {
		return failed.ExitCode
	}
	return -1
}

// Indent prefixes every non-empty line of s, used to nest tool output in logs
func Indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
