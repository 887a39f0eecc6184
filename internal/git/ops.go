package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/schaermu/cwsync/internal/command"
)

// DefaultPackager is the packaging tool assumed when none is configured
const DefaultPackager = "fedpkg"

// Packager clones dist-git repositories through a packaging tool
type Packager interface {
	Clone(ctx context.Context, workDir, ref string) error
}

// CloneFailedError is returned when a downstream repository could not be cloned
type CloneFailedError struct {
	Component string
	ExitCode  int
	Err       error
}

func (e *CloneFailedError) Error() string {
	return fmt.Sprintf("failed to clone %s with exit code %d: %v", e.Component, e.ExitCode, e.Err)
}

func (e *CloneFailedError) Unwrap() error {
	return e.Err
}

// Options configures where downstream repositories are cloned from
type Options struct {
	// HostnameURL clones with git from <HostnameURL>/<namespace>/<component>.git when set
	HostnameURL string
	// PackagerUtil is the packaging tool name, used to pick the default namespace
	PackagerUtil string
}

// Operations combines git primitives into the repository workflows
// used when synchronizing images.
type Operations struct {
	Client
	runner   command.Runner
	packager Packager
	opts     Options
	logger   *slog.Logger
}

// NewOperations creates repository operations on top of client
func NewOperations(client Client, runner command.Runner, packager Packager, opts Options, logger *slog.Logger) *Operations {
	if opts.PackagerUtil == "" {
		opts.PackagerUtil = DefaultPackager
	}
	return &Operations{
		Client:   client,
		runner:   runner,
		packager: packager,
		opts:     opts,
		logger:   logger,
	}
}

// CloneOrOpen clones url into path unless path already exists, then runs
// commands inside path in the given order. The first failing command aborts.
func (o *Operations) CloneOrOpen(ctx context.Context, url, path string, commands []string) error {
	if _, err := os.Stat(path); err == nil {
		if !o.IsRepository(path) {
			return errors.Errorf("%s exists but is not a git repository", path)
		}
		o.logger.Info("using existing repository", "path", path)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.Wrap(err, "failed to create parent directory")
		}
		if err := o.Clone(ctx, url, path); err != nil {
			return err
		}
		o.logger.Info("cloned repository", "url", url, "path", path)
		if err := o.SubmoduleUpdate(ctx, path); err != nil {
			return err
		}
	}

	for _, cmd := range commands {
		o.logger.Debug("running command in repository", "path", path, "cmd", cmd)
		if _, err := o.runner.Execute(ctx, command.Shell(path, cmd)); err != nil {
			return errors.Wrapf(err, "command '%s' failed", cmd)
		}
	}
	return nil
}

// CloneDownstream opens or clones the dist-git repository of component below
// workDir and returns its path. A fresh clone is checked out at branch.
// Leftovers of failed attempts are removed; an existing path never is.
func (o *Operations) CloneDownstream(ctx context.Context, workDir, component, branch, namespace string) (string, error) {
	path := filepath.Join(workDir, component)
	if _, err := os.Lstat(path); err == nil {
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			return "", errors.Errorf("%s exists but is not a directory", path)
		}
		o.logger.Info("using existing downstream repository", "component", component)
		return path, nil
	}

	var lastErr error
	for _, ns := range o.namespaces(namespace) {
		ref := ns + "/" + component
		o.logger.Info("cloning downstream repository", "ref", ref)
		lastErr = o.cloneDownstream(ctx, workDir, path, ref)
		if lastErr == nil {
			if err := o.Checkout(ctx, path, branch); err != nil {
				return "", err
			}
			return path, nil
		}
		o.logger.Warn("clone attempt failed", "ref", ref, "error", lastErr)
		_ = os.RemoveAll(path)
	}
	return "", &CloneFailedError{
		Component: component,
		ExitCode:  command.ExitCode(lastErr),
		Err:       lastErr,
	}
}

func (o *Operations) cloneDownstream(ctx context.Context, workDir, path, ref string) error {
	if o.opts.HostnameURL != "" {
		url := strings.TrimSuffix(o.opts.HostnameURL, "/") + "/" + ref + ".git"
		return o.Clone(ctx, url, path)
	}
	return o.packager.Clone(ctx, workDir, ref)
}

// namespaces returns the primary namespace followed by its fallback
func (o *Operations) namespaces(namespace string) []string {
	def, alt := "containers", "container"
	if o.opts.PackagerUtil == DefaultPackager {
		def, alt = alt, def
	}
	switch namespace {
	case "", def:
		return []string{def, alt}
	case alt:
		return []string{alt, def}
	default:
		return []string{namespace, def}
	}
}

// CommitIfDirty commits tracked changes when the working tree is dirty and
// reports whether a commit was created. An empty message skips the commit.
func (o *Operations) CommitIfDirty(ctx context.Context, dir, message string, all bool) (bool, error) {
	dirty, err := o.IsDirty(ctx, dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if message == "" {
		o.logger.Warn("no commit message, skipping commit", "path", dir)
		return false, nil
	}
	if err := o.Commit(ctx, dir, message, all); err != nil {
		return false, err
	}
	return true, nil
}

// ResetIgnored unstages and restores .gitignore and every ignored path one by
// one, removing leftovers that are untracked.
func (o *Operations) ResetIgnored(ctx context.Context, dir string, ignore []string) error {
	paths := append([]string{".gitignore"}, ignore...)
	for _, p := range paths {
		if err := o.Reset(ctx, dir, p); err != nil {
			o.logger.Debug("reset failed", "path", p, "error", err)
		}
		if err := o.Restore(ctx, dir, p); err != nil {
			o.logger.Debug("restore failed", "path", p, "error", err)
		}
		o.logger.Debug("removed changes", "path", p)

		untracked, err := o.UntrackedFiles(ctx, dir)
		if err != nil {
			return err
		}
		if containsPath(untracked, p) {
			if err := o.Clean(ctx, dir, p); err != nil {
				return err
			}
			o.logger.Debug("removed untracked ignored path", "path", p)
		}
	}
	return nil
}

func containsPath(files []string, path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, f := range files {
		if f == path || strings.HasPrefix(f, path+"/") {
			return true
		}
	}
	return false
}
