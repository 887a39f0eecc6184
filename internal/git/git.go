package git

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/schaermu/cwsync/internal/command"
)

// Client provides git operations on local working trees
type Client interface {
	// Clone clones url into dest
	Clone(ctx context.Context, url, dest string) error
	// SubmoduleUpdate initializes and updates nested repositories
	SubmoduleUpdate(ctx context.Context, dir string) error
	// Checkout switches the working tree to ref
	Checkout(ctx context.Context, dir, ref string) error
	// Add stages paths; "*" is passed to git unexpanded
	Add(ctx context.Context, dir string, paths ...string) error
	// Commit records staged changes, or all tracked changes when all is set
	Commit(ctx context.Context, dir, message string, all bool) error
	// Push pushes the active branch to its upstream
	Push(ctx context.Context, dir string) error
	// Merge merges ref into the active branch
	Merge(ctx context.Context, dir, ref string) error
	// Reset unstages paths
	Reset(ctx context.Context, dir string, paths ...string) error
	// Restore discards working tree changes of path
	Restore(ctx context.Context, dir, path string) error
	// Clean force-removes untracked and ignored files below path
	Clean(ctx context.Context, dir, path string) error
	// TrackedFiles lists the files known to the index
	TrackedFiles(ctx context.Context, dir string) ([]string, error)
	// UntrackedFiles lists files that are not tracked
	UntrackedFiles(ctx context.Context, dir string) ([]string, error)
	// IsDirty reports whether tracked files have uncommitted changes
	IsDirty(ctx context.Context, dir string) (bool, error)
	// Show writes the last commit with its patch to w
	Show(ctx context.Context, dir string, w io.Writer) error
	// Diff writes the uncommitted changes to w
	Diff(ctx context.Context, dir string, w io.Writer) error

	// Head returns the commit hash HEAD points to
	Head(dir string) (string, error)
	// ActiveBranch returns the short name of the checked out branch
	ActiveBranch(dir string) (string, error)
	// UnpushedCommits reports whether the active branch has commits its
	// remote-tracking branch does not contain
	UnpushedCommits(dir string) (bool, error)
	// IsRepository reports whether dir is the root of a git working tree
	IsRepository(dir string) bool
}

// ShellClient implements Client by shelling out to the git command.
// Read-only queries go through go-git.
type ShellClient struct {
	runner         command.Runner
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(runner command.Runner, sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		runner:         runner,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

func (c *ShellClient) git(dir string, args ...string) command.Command {
	return command.Command{WorkDir: dir, Executable: "git", Args: args}
}

// Clone clones url into dest
func (c *ShellClient) Clone(ctx context.Context, url, dest string) error {
	cmd := c.git("", "clone", url, dest)
	if err := c.configureAuth(&cmd, url); err != nil {
		return err
	}
	if _, err := c.runner.Execute(ctx, cmd); err != nil {
		return errors.Wrapf(err, "git clone of %s failed", url)
	}
	return nil
}

func (c *ShellClient) SubmoduleUpdate(ctx context.Context, dir string) error {
	return c.run(ctx, dir, "submodule", "update", "--init", "--recursive")
}

func (c *ShellClient) Checkout(ctx context.Context, dir, ref string) error {
	return c.run(ctx, dir, "checkout", ref)
}

func (c *ShellClient) Add(ctx context.Context, dir string, paths ...string) error {
	return c.run(ctx, dir, append([]string{"add", "--"}, paths...)...)
}

func (c *ShellClient) Commit(ctx context.Context, dir, message string, all bool) error {
	args := []string{"commit", "-m", message}
	if all {
		args = []string{"commit", "-am", message}
	}
	return c.run(ctx, dir, args...)
}

// Push pushes the active branch, authenticating against the origin URL
func (c *ShellClient) Push(ctx context.Context, dir string) error {
	cmd := c.git(dir, "push")
	if url, err := originURL(dir); err == nil {
		if err := c.configureAuth(&cmd, url); err != nil {
			return err
		}
	}
	if _, err := c.runner.Execute(ctx, cmd); err != nil {
		return errors.Wrapf(err, "git push in %s failed", dir)
	}
	return nil
}

func (c *ShellClient) Merge(ctx context.Context, dir, ref string) error {
	return c.run(ctx, dir, "merge", "--no-edit", ref)
}

func (c *ShellClient) Reset(ctx context.Context, dir string, paths ...string) error {
	return c.run(ctx, dir, append([]string{"reset", "-q", "--"}, paths...)...)
}

func (c *ShellClient) Restore(ctx context.Context, dir, path string) error {
	return c.run(ctx, dir, "checkout", "--", path)
}

func (c *ShellClient) Clean(ctx context.Context, dir, path string) error {
	return c.run(ctx, dir, "clean", "-xfdq", "--", path)
}

func (c *ShellClient) TrackedFiles(ctx context.Context, dir string) ([]string, error) {
	return c.lines(ctx, dir, "ls-files")
}

func (c *ShellClient) UntrackedFiles(ctx context.Context, dir string) ([]string, error) {
	return c.lines(ctx, dir, "ls-files", "--others")
}

func (c *ShellClient) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := c.runner.Execute(ctx, c.git(dir, "status", "--porcelain", "--untracked-files=no"))
	if err != nil {
		return false, errors.Wrapf(err, "git status in %s failed", dir)
	}
	return strings.TrimSpace(out) != "", nil
}

func (c *ShellClient) Show(ctx context.Context, dir string, w io.Writer) error {
	return c.write(ctx, dir, w, "--no-pager", "show")
}

func (c *ShellClient) Diff(ctx context.Context, dir string, w io.Writer) error {
	return c.write(ctx, dir, w, "--no-pager", "diff")
}

func (c *ShellClient) run(ctx context.Context, dir string, args ...string) error {
	if _, err := c.runner.Execute(ctx, c.git(dir, args...)); err != nil {
		return errors.Wrapf(err, "git %s in %s failed", args[0], dir)
	}
	return nil
}

func (c *ShellClient) lines(ctx context.Context, dir string, args ...string) ([]string, error) {
	out, err := c.runner.Execute(ctx, c.git(dir, args...))
	if err != nil {
		return nil, errors.Wrapf(err, "git %s in %s failed", args[0], dir)
	}
	var result []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

func (c *ShellClient) write(ctx context.Context, dir string, w io.Writer, args ...string) error {
	out, err := c.runner.Execute(ctx, c.git(dir, args...))
	if err != nil {
		return errors.Wrapf(err, "git %s in %s failed", args[1], dir)
	}
	_, err = io.WriteString(w, out)
	return err
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *command.Command, url string) error {
	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token is passed via the environment and read by an inline
		// credential helper so it never appears on the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0", "CWSYNC_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$CWSYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts global flags before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, flags...)
	return append(result, args...)
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
