package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/schaermu/cwsync/internal/command"
)

// ErrNoTicket is returned when no Kerberos ticket is available
var ErrNoTicket = errors.New("kerberos token not found")

const (
	// maxLineLength bounds the output buffered while waiting for a newline
	maxLineLength = 1 << 20
	// defaultWaitDelay bounds how long output is collected after the tool exits
	defaultWaitDelay = 10 * time.Second
)

// Packager provides operations of the dist-git packaging tool
type Packager interface {
	// Clone clones the dist-git repository ref ("namespace/component") into workDir
	Clone(ctx context.Context, workDir, ref string) error
	// ContainerBuild submits a container build for the repository in dir and
	// calls onLine for every line the tool prints on stdout.
	ContainerBuild(ctx context.Context, dir string, args []string, onLine func(string)) error
	// CheckTicket verifies that a Kerberos ticket is available
	CheckTicket(ctx context.Context) error
}

// Client implements Packager by shelling out to the configured tool
type Client struct {
	util         string
	runner       command.Runner
	disableKlist bool
	waitDelay    time.Duration
	logger       *slog.Logger
}

// NewClient creates a packager client for util (e.g. fedpkg, centpkg)
func NewClient(util string, runner command.Runner, disableKlist bool, logger *slog.Logger) *Client {
	return &Client{
		util:         util,
		runner:       runner,
		disableKlist: disableKlist,
		waitDelay:    defaultWaitDelay,
		logger:       logger,
	}
}

// Clone clones ref into workDir
func (c *Client) Clone(ctx context.Context, workDir, ref string) error {
	_, err := c.runner.Execute(ctx, command.Command{
		WorkDir:    workDir,
		Executable: c.util,
		Args:       []string{"clone", ref},
	})
	if err != nil {
		return fmt.Errorf("%s clone %s failed: %w", c.util, ref, err)
	}
	return nil
}

// CheckTicket runs klist unless ticket checks are disabled
func (c *Client) CheckTicket(ctx context.Context) error {
	if c.disableKlist {
		return nil
	}
	if _, err := c.runner.Execute(ctx, command.Command{Executable: "klist"}); err != nil {
		c.logger.Debug("klist failed", "error", err)
		return ErrNoTicket
	}
	return nil
}

// ContainerBuild runs "<util> container-build" in dir. Output lines are
// passed to onLine as they arrive; overlong lines are split.
func (c *Client) ContainerBuild(ctx context.Context, dir string, args []string, onLine func(string)) error {
	full := append([]string{"container-build"}, args...)
	name := c.util + " " + strings.Join(full, " ")
	// nolint:gosec
	cmd := exec.CommandContext(ctx, c.util, full...)
	cmd.Dir = dir
	// background children of the tool may keep the pipes open after it exits
	cmd.WaitDelay = c.waitDelay

	stdout := &lineWriter{onLine: onLine}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running command", "cmd", name, "dir", dir)
	err := cmd.Run()
	stdout.flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		c.logger.Warn("output pipes still open after exit", "cmd", name)
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &command.FailedError{
			Command:  name,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", c.util, err)
	}
	return nil
}

// lineWriter calls onLine for every line written to it. Pending data longer
// than maxLineLength is emitted as a line of its own.
type lineWriter struct {
	onLine  func(string)
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		switch {
		case i >= 0:
			w.emit(w.pending[:i])
			w.pending = w.pending[i+1:]
		case len(w.pending) > maxLineLength:
			w.emit(w.pending[:maxLineLength])
			w.pending = w.pending[maxLineLength:]
		default:
			return len(p), nil
		}
	}
}

func (w *lineWriter) flush() {
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.onLine != nil {
		w.onLine(strings.TrimSuffix(string(line), "\r"))
	}
}
