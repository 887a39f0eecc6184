package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/schaermu/cwsync/internal/command"
	"github.com/schaermu/cwsync/internal/config"
)

// PullDownstream clones or opens the downstream repository of every image
// and runs the check script against each when one is configured.
func (e *Engine) PullDownstream(ctx context.Context, images []config.Image) error {
	if err := e.tickets.CheckTicket(ctx); err != nil {
		return err
	}
	for _, img := range images {
		if _, err := e.repos.CloneDownstream(ctx, e.opts.WorkDir, img.Component, img.GitBranch, img.Namespace); err != nil {
			return err
		}
	}
	if e.opts.CheckScript == "" {
		return nil
	}
	for _, img := range images {
		if _, err := e.RunCheckScript(ctx, img.Component, filepath.Join(e.opts.WorkDir, img.Component)); err != nil {
			return err
		}
	}
	return nil
}

// PullUpstream clones or opens the upstream repository of every image below
// the working directory, running the image commands in each.
func (e *Engine) PullUpstream(ctx context.Context, images []config.Image) error {
	for _, img := range images {
		path := filepath.Join(e.opts.WorkDir, img.UpstreamName())
		if err := e.repos.CloneOrOpen(ctx, img.GitURL, path, img.Commands.Ordered()); err != nil {
			return fmt.Errorf("%s: %w", img.Component, err)
		}
	}
	if e.opts.CheckScript == "" {
		return nil
	}
	for _, img := range images {
		path := filepath.Join(e.opts.WorkDir, img.UpstreamName(), img.GitPath)
		if _, err := e.RunCheckScript(ctx, img.Component, path); err != nil {
			return err
		}
	}
	return nil
}

// RunCheckScript runs the configured check script in dir and reports whether it passed
func (e *Engine) RunCheckScript(ctx context.Context, component, dir string) (bool, error) {
	_, err := e.runner.Execute(ctx, command.Shell(dir, e.opts.CheckScript))
	if err == nil {
		e.logger.Info(component + ": OK")
		return true, nil
	}
	var failed *command.FailedError
	if !errors.As(err, &failed) {
		return false, err
	}
	e.logger.Info(component + ": Affected")
	if failed.Stderr != "" {
		e.logger.Error(command.Indent(failed.Stderr, "  "))
	}
	return false, nil
}

// Push pushes every downstream repository that has unpushed commits. When a
// commit message override is set, pending changes are committed first.
// Failures are collected and reported together.
func (e *Engine) Push(ctx context.Context, images []config.Image) error {
	if err := e.tickets.CheckTicket(ctx); err != nil {
		return err
	}
	var (
		failed []string
		errs   error
	)
	for _, img := range images {
		if err := e.pushOne(ctx, img); err != nil {
			e.logger.Error("push failed", "component", img.Component, "error", err)
			failed = append(failed, img.Component)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", img.Component, err))
		}
	}
	return e.batchResult("push", "Failed pushing images:", failed, errs)
}

func (e *Engine) pushOne(ctx context.Context, img config.Image) error {
	dir := filepath.Join(e.opts.WorkDir, img.Component)
	if !e.repos.IsRepository(dir) {
		return fmt.Errorf("%s is not a git repository", dir)
	}
	if e.commitMsg != nil {
		if _, err := e.repos.CommitIfDirty(ctx, dir, *e.commitMsg, true); err != nil {
			return err
		}
	}
	unpushed, err := e.repos.UnpushedCommits(dir)
	if err != nil {
		return err
	}
	if !unpushed {
		e.logger.Info("there are no unpushed commits, push skipped", "component", img.Component)
		return nil
	}
	e.logger.Info("pushing", "component", img.Component)
	return e.repos.Push(ctx, dir)
}

// MergeFutureBranches merges the release branch into the future branch of
// every image. Nothing is pushed.
func (e *Engine) MergeFutureBranches(ctx context.Context, images []config.Image) error {
	if err := e.tickets.CheckTicket(ctx); err != nil {
		return err
	}
	var (
		failed []string
		errs   error
	)
	for _, img := range images {
		if err := e.mergeFuture(ctx, img); err != nil {
			e.logger.Error("merge failed", "component", img.Component, "error", err)
			failed = append(failed, img.Component)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", img.Component, err))
		}
	}
	return e.batchResult("merge", "Failed merging images:", failed, errs)
}

func (e *Engine) mergeFuture(ctx context.Context, img config.Image) error {
	dir, err := e.repos.CloneDownstream(ctx, e.opts.WorkDir, img.Component, img.GitBranch, img.Namespace)
	if err != nil {
		return err
	}
	if img.GitFuture == img.GitBranch {
		e.logger.Info("future branch equals release branch, nothing to merge", "component", img.Component)
		return nil
	}
	if err := e.repos.Checkout(ctx, dir, img.GitFuture); err != nil {
		return err
	}
	if err := e.repos.Merge(ctx, dir, img.GitBranch); err != nil {
		return err
	}
	e.logger.Info("merged, not pushing", "component", img.Component, "branch", img.GitFuture)
	return nil
}

func (e *Engine) batchResult(op, title string, failed []string, errs error) error {
	if len(failed) == 0 {
		return nil
	}
	e.logger.Error(title)
	for _, c := range failed {
		e.logger.Error(command.Indent(c, "  "))
	}
	e.logger.Error("Please check the failures and push the changes manually.")
	return &BatchError{Operation: op, Failed: failed, Err: errs}
}

// ShowChanges writes the last commit of every repository with unpushed
// commits to w, or the uncommitted changes when diff is set. Without
// components every repository in the working directory is shown.
func (e *Engine) ShowChanges(ctx context.Context, components []string, diff bool, w io.Writer) error {
	if len(components) == 0 {
		entries, err := afero.ReadDir(e.fs, e.opts.WorkDir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			components = append(components, entry.Name())
		}
	}

	var repos []string
	for _, c := range components {
		if e.repos.IsRepository(filepath.Join(e.opts.WorkDir, c)) {
			repos = append(repos, c)
		}
	}
	if len(repos) == 0 {
		e.logger.Warn("no git repositories found in directory", "workdir", e.opts.WorkDir)
		return nil
	}

	for _, c := range repos {
		dir := filepath.Join(e.opts.WorkDir, c)
		if diff {
			if err := writeHeader(w, c); err != nil {
				return err
			}
			if err := e.repos.Diff(ctx, dir, w); err != nil {
				return err
			}
			continue
		}
		unpushed, err := e.repos.UnpushedCommits(dir)
		if err != nil {
			return err
		}
		if !unpushed {
			continue
		}
		if err := writeHeader(w, c); err != nil {
			return err
		}
		if err := e.repos.Show(ctx, dir, w); err != nil {
			return err
		}
	}
	return nil
}

// writeHeader separates the output of consecutive repositories
func writeHeader(w io.Writer, component string) error {
	_, err := fmt.Fprintf(w, "==> %s\n", component)
	return err
}
