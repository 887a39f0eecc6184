// Package build submits container builds for downstream repositories and
// follows the layered build triggers of the images that succeeded.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/cwsync/internal/command"
	"github.com/schaermu/cwsync/internal/config"
)

// ErrWorkDirMissing is returned when the downstream repositories have not been pulled yet
var ErrWorkDirMissing = errors.New("temporary directory structure does not exist, pull downstream first")

// UnexpectedBranchError is returned when a repository is not on a release branch
type UnexpectedBranchError struct {
	Component string
	Branch    string
}

func (e *UnexpectedBranchError) Error() string {
	return fmt.Sprintf("unexpected active branch for %s: %s", e.Component, e.Branch)
}

// Packager submits container builds
type Packager interface {
	ContainerBuild(ctx context.Context, dir string, args []string, onLine func(string)) error
}

// Inspector answers questions about local repositories
type Inspector interface {
	IsRepository(dir string) bool
	ActiveBranch(dir string) (string, error)
}

// SetResolver returns the selected images of an image set
type SetResolver func(id string) ([]config.Image, error)

// Options configures a build run
type Options struct {
	WorkDir string
	// Branches lists the release branches a repository may be on
	Branches []string
	// Args are passed to container-build verbatim
	Args []string
	// Concurrency bounds the number of running builds, zero means unbounded
	Concurrency int
}

// Summary lists the components whose builds succeeded or failed
type Summary struct {
	Succeeded []string
	Failed    []string
}

func (s *Summary) merge(o Summary) {
	s.Succeeded = append(s.Succeeded, o.Succeeded...)
	s.Failed = append(s.Failed, o.Failed...)
}

// Builder runs container builds for image sets
type Builder struct {
	packager  Packager
	inspector Inspector
	opts      Options
	logger    *slog.Logger
}

// NewBuilder creates a new builder
func NewBuilder(packager Packager, inspector Inspector, opts Options, logger *slog.Logger) *Builder {
	return &Builder{
		packager:  packager,
		inspector: inspector,
		opts:      opts,
		logger:    logger,
	}
}

type outcome struct {
	image config.Image
	err   error
}

// Build submits one build per image concurrently and waits for all of them.
// Sets named by the trigger of a successful image are built afterwards.
func (b *Builder) Build(ctx context.Context, images []config.Image, resolve SetResolver) (Summary, error) {
	var summary Summary
	if len(images) == 0 {
		b.logger.Warn("no images to build")
		return summary, nil
	}
	if err := b.prebuildCheck(images); err != nil {
		return summary, err
	}

	outcomes := make([]outcome, len(images))
	var g errgroup.Group
	if b.opts.Concurrency > 0 {
		g.SetLimit(b.opts.Concurrency)
	}
	for i, img := range images {
		i, img := i, img
		b.logger.Info("building image", "component", img.Component)
		g.Go(func() error {
			outcomes[i] = outcome{image: img, err: b.buildOne(ctx, img)}
			return nil
		})
	}
	b.logger.Info("waiting for builds")
	_ = g.Wait()

	var triggers []config.Image
	for _, o := range outcomes {
		component := o.image.Component
		if o.err != nil {
			b.logger.Error(component + " build has failed")
			var failed *command.FailedError
			if errors.As(o.err, &failed) && failed.Stderr != "" {
				b.logger.Error(command.Indent(failed.Stderr, "    "))
			} else {
				b.logger.Error(command.Indent(o.err.Error(), "    "))
			}
			summary.Failed = append(summary.Failed, component)
			continue
		}
		b.logger.Info(component + " build has finished")
		summary.Succeeded = append(summary.Succeeded, component)
		if o.image.Trigger != "" {
			triggers = append(triggers, o.image)
		}
	}

	for _, img := range triggers {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		b.logger.Info("triggering layered builds", "component", img.Component, "set", img.Trigger)
		layered, err := resolve(img.Trigger)
		if err != nil {
			return summary, err
		}
		sub, err := b.Build(ctx, layered, resolve)
		summary.merge(sub)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (b *Builder) buildOne(ctx context.Context, img config.Image) error {
	found := false
	err := b.packager.ContainerBuild(ctx, filepath.Join(b.opts.WorkDir, img.Component), b.opts.Args, func(line string) {
		if !found && strings.Contains(line, "taskID") {
			found = true
			b.logger.Info(img.Component + " - " + strings.TrimSpace(line))
		}
	})
	if !found {
		b.logger.Warn("could not find task", "component", img.Component)
	}
	return err
}

// prebuildCheck verifies every component was pulled and sits on a release branch
func (b *Builder) prebuildCheck(images []config.Image) error {
	if _, err := os.Stat(b.opts.WorkDir); err != nil {
		return ErrWorkDirMissing
	}
	b.logger.Info("checking for correct repository configuration")
	for _, img := range images {
		dir := filepath.Join(b.opts.WorkDir, img.Component)
		if !b.inspector.IsRepository(dir) {
			return fmt.Errorf("failed to open repository for %s", img.Component)
		}
		branch, err := b.inspector.ActiveBranch(dir)
		if err != nil {
			return err
		}
		if len(b.opts.Branches) > 0 && !containsAny(branch, b.opts.Branches) {
			return &UnexpectedBranchError{Component: img.Component, Branch: branch}
		}
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
