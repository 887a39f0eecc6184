package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/cwsync/internal/command"
	"github.com/schaermu/cwsync/internal/config"
	"github.com/schaermu/cwsync/internal/descriptor"
	"github.com/schaermu/cwsync/internal/dockerfile"
	"github.com/schaermu/cwsync/internal/git"
	"github.com/schaermu/cwsync/internal/treesync"
)

// upstreamsDir is the staging directory below the working directory that
// holds upstream clones for the duration of one run
const upstreamsDir = "upstreams"

// Repositories provides the repository operations the engine depends on
type Repositories interface {
	git.Client
	CloneOrOpen(ctx context.Context, url, path string, commands []string) error
	CloneDownstream(ctx context.Context, workDir, component, branch, namespace string) (string, error)
	CommitIfDirty(ctx context.Context, dir, message string, all bool) (bool, error)
	ResetIgnored(ctx context.Context, dir string, ignore []string) error
}

// TicketChecker verifies credentials before touching remote repositories
type TicketChecker interface {
	CheckTicket(ctx context.Context) error
}

// Options configures a synchronization run
type Options struct {
	WorkDir       string
	BaseImage     string
	RebuildReason string
	FromTag       string
	DfExt         string
	IgnoreFiles   []string
	ImageNames    string
	CheckScript   string
}

// Engine synchronizes upstream sources into downstream dist-git repositories
type Engine struct {
	repos     Repositories
	tickets   TicketChecker
	runner    command.Runner
	fs        treesync.FS
	syncer    *treesync.Syncer
	editor    *dockerfile.Editor
	opts      Options
	commitMsg *string
	logger    *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(repos Repositories, tickets TicketChecker, runner command.Runner, fs treesync.FS, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		repos:   repos,
		tickets: tickets,
		runner:  runner,
		fs:      fs,
		syncer:  treesync.NewSyncer(fs, logger.With("component", "treesync")),
		editor:  dockerfile.NewEditor(fs, logger.With("component", "dockerfile")),
		opts:    opts,
		logger:  logger,
	}
}

// SetCommitMessage overrides the generated commit message for every image of the run
func (e *Engine) SetCommitMessage(msg string) {
	e.commitMsg = &msg
}

// CommitMessage returns the override when set, or a message describing a
// rebase or an upstream pull, annotated with the upstream commit if known.
func (e *Engine) CommitMessage(rebase bool, upstreamHash string) string {
	if e.commitMsg != nil {
		return *e.commitMsg
	}
	reason := strings.ReplaceAll(e.opts.RebuildReason, "{base_image}", e.opts.BaseImage)
	msg := "Pull changes from upstream and rebase for: " + reason
	if rebase {
		msg = "Rebuild for: " + reason
	}
	if upstreamHash != "" {
		msg += "\n created from upstream commit: " + upstreamHash
	}
	return msg
}

// SyncFromUpstream merges upstream content into the downstream repository of
// every image. Images without pull_upstream are only rebased.
func (e *Engine) SyncFromUpstream(ctx context.Context, images []config.Image) ([]Result, error) {
	return e.run(ctx, images, false)
}

// Rebase rewrites the base image tag of every image without pulling upstream content
func (e *Engine) Rebase(ctx context.Context, images []config.Image) ([]Result, error) {
	return e.run(ctx, images, true)
}

func (e *Engine) run(ctx context.Context, images []config.Image, rebase bool) ([]Result, error) {
	if err := e.tickets.CheckTicket(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.fs.RemoveAll(filepath.Join(e.opts.WorkDir, upstreamsDir)); err != nil {
			e.logger.Warn("failed to remove upstream staging directory", "error", err)
		}
	}()

	results := make([]Result, 0, len(images))
	for _, img := range images {
		outcome, err := e.syncImage(ctx, img, rebase)
		results = append(results, Result{Component: img.Component, Outcome: outcome})
		if err != nil {
			return results, fmt.Errorf("%s: %w", img.Component, err)
		}
	}
	e.logger.Info("downstream repositories updated", "workdir", e.opts.WorkDir)
	return results, nil
}

func (e *Engine) syncImage(ctx context.Context, img config.Image, rebase bool) (Outcome, error) {
	logger := e.logger.With("component", img.Component)

	dir, err := e.repos.CloneDownstream(ctx, e.opts.WorkDir, img.Component, img.GitBranch, img.Namespace)
	if err != nil {
		return OutcomeFailed, err
	}
	df := filepath.Join(dir, "Dockerfile")
	if base, err := e.readBaseImage(df); err == nil {
		logger.Debug("downstream base image", "from", base)
	}

	var committed bool
	if rebase || !img.PullUpstream {
		if err := e.editor.UpdateDockerfile(df, e.opts.FromTag); err != nil {
			return OutcomeFailed, err
		}
		committed, err = e.repos.CommitIfDirty(ctx, dir, e.CommitMessage(rebase, ""), true)
		if err != nil {
			return OutcomeFailed, err
		}
	} else {
		upstream := filepath.Join(e.opts.WorkDir, upstreamsDir, img.UpstreamName())
		if err := e.repos.CloneOrOpen(ctx, img.GitURL, upstream, img.Commands.Ordered()); err != nil {
			return OutcomeFailed, err
		}
		hash, err := e.repos.Head(upstream)
		if err != nil {
			return OutcomeFailed, err
		}
		if err := e.pullUpstream(ctx, logger, img, dir, upstream); err != nil {
			return OutcomeFailed, err
		}
		if err := e.editor.UpdateDockerfile(df, e.opts.FromTag); err != nil {
			return OutcomeFailed, err
		}
		if e.exists(df) {
			if err := e.repos.Add(ctx, dir, "Dockerfile"); err != nil {
				return OutcomeFailed, err
			}
		}
		committed, err = e.repos.CommitIfDirty(ctx, dir, e.CommitMessage(false, hash), false)
		if err != nil {
			return OutcomeFailed, err
		}
	}

	e.editor.CheckLabels(df)
	if !committed {
		logger.Info("no changes to commit")
		return OutcomeSkippedNoChanges, nil
	}
	logger.Info("committed changes")
	return OutcomeCommitted, nil
}

// pullUpstream replaces the tracked downstream content with the image
// directory of the upstream checkout.
func (e *Engine) pullUpstream(ctx context.Context, logger *slog.Logger, img config.Image, dir, upstream string) error {
	src := filepath.Join(upstream, img.GitPath)
	if !e.exists(src) {
		logger.Warn("upstream source does not exist, skipping copy", "path", src)
		return nil
	}

	tracked, err := e.repos.TrackedFiles(ctx, dir)
	if err != nil {
		return err
	}
	for _, f := range tracked {
		if err := e.removePath(filepath.Join(dir, f)); err != nil {
			return err
		}
	}

	// upstream git metadata never belongs downstream
	if err := e.fs.RemoveAll(filepath.Join(src, ".git")); err != nil {
		return err
	}
	if err := e.syncer.ReplaceTree(src, dir); err != nil {
		return err
	}
	if err := e.syncer.RepairDanglingSymlinks(src, dir); err != nil {
		return err
	}

	if err := e.linkHelpFile(ctx, logger, dir); err != nil {
		return err
	}

	found, err := descriptor.Update(e.fs, dir, descriptor.Fields{
		Version:   img.GitPath,
		OS:        descriptor.OSFor(e.opts.ImageNames),
		ShortName: img.UpstreamName(),
	})
	if err != nil {
		return err
	}
	if found {
		logger.Debug("updated test descriptor")
	}

	if err := e.repos.Add(ctx, dir, "*"); err != nil {
		return err
	}
	if err := e.repos.ResetIgnored(ctx, dir, e.opts.IgnoreFiles); err != nil {
		return err
	}

	if err := e.swapDockerfileVariant(ctx, dir); err != nil {
		return err
	}
	return e.ensureVersionLink(ctx, dir, img.GitPath)
}

// linkHelpFile points help.md at README.md when only the latter exists
func (e *Engine) linkHelpFile(ctx context.Context, logger *slog.Logger, dir string) error {
	help := filepath.Join(dir, "help.md")
	if e.isFile(help) {
		return nil
	}
	if !e.isFile(filepath.Join(dir, "README.md")) {
		logger.Warn("help.md file missing")
		return nil
	}
	_ = e.fs.Remove(help)
	if err := e.fs.SymlinkIfPossible("README.md", help); err != nil {
		return fmt.Errorf("failed to link help.md: %w", err)
	}
	return e.repos.Add(ctx, dir, "help.md")
}

// swapDockerfileVariant makes the packager specific Dockerfile the canonical
// one and leaves a symlink under the variant name.
func (e *Engine) swapDockerfileVariant(ctx context.Context, dir string) error {
	if e.opts.DfExt == "" {
		return nil
	}
	canonical := "Dockerfile"
	variant := canonical + e.opts.DfExt
	info, _, err := e.fs.LstatIfPossible(filepath.Join(dir, variant))
	if err != nil || info.Mode()&os.ModeSymlink != 0 || info.IsDir() {
		return nil
	}

	if err := e.fs.Remove(filepath.Join(dir, canonical)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := e.fs.Rename(filepath.Join(dir, variant), filepath.Join(dir, canonical)); err != nil {
		return err
	}
	if err := e.fs.SymlinkIfPossible(canonical, filepath.Join(dir, variant)); err != nil {
		return fmt.Errorf("failed to link %s: %w", variant, err)
	}
	return e.repos.Add(ctx, dir, canonical, variant)
}

// ensureVersionLink keeps a symlink named after the version directory pointing at "."
func (e *Engine) ensureVersionLink(ctx context.Context, dir, gitPath string) error {
	version := filepath.Base(gitPath)
	if version == "." || version == string(filepath.Separator) {
		return nil
	}
	link := filepath.Join(dir, version)
	info, _, err := e.fs.LstatIfPossible(link)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		return nil
	case err == nil:
		return &SymlinkConflictError{Path: link}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if err := e.fs.SymlinkIfPossible(".", link); err != nil {
		return fmt.Errorf("failed to create version link: %w", err)
	}
	return e.repos.Add(ctx, dir, version)
}

func (e *Engine) removePath(path string) error {
	info, _, err := e.fs.LstatIfPossible(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return e.fs.RemoveAll(path)
	}
	return e.fs.Remove(path)
}

func (e *Engine) readBaseImage(path string) (string, error) {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return "", err
	}
	return dockerfile.GetBaseImage(string(data))
}

func (e *Engine) exists(path string) bool {
	_, err := e.fs.Stat(path)
	return err == nil
}

func (e *Engine) isFile(path string) bool {
	info, err := e.fs.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
