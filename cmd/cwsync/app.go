package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/cwsync/internal/build"
	"github.com/schaermu/cwsync/internal/command"
	"github.com/schaermu/cwsync/internal/config"
	"github.com/schaermu/cwsync/internal/git"
	"github.com/schaermu/cwsync/internal/packager"
	"github.com/schaermu/cwsync/internal/sync"
)

// app holds the dependencies shared by the subcommands
type app struct {
	opts     *options
	cfg      *config.Config
	logger   *slog.Logger
	runner   command.Runner
	git      *git.ShellClient
	packager *packager.Client
	ops      *git.Operations
	closeLog func() error
}

func newApp(opts *options) (*app, error) {
	logger := setupLogger(opts.logLevel, opts.logFormat)
	closeLog := func() error { return nil }
	if opts.outputFile != "" {
		var err error
		logger, closeLog, err = teeToFile(logger, opts.outputFile)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := loadConfig(logger, opts.configPath)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	runner := command.NewRunner(logger.With("component", "command"))
	gitClient := git.NewShellClient(runner, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	pkg := packager.NewClient(cfg.PackagerUtil, runner, opts.disableKlist, logger.With("component", "packager"))
	ops := git.NewOperations(gitClient, runner, pkg, git.Options{
		HostnameURL:  cfg.HostnameURL,
		PackagerUtil: cfg.PackagerUtil,
	}, logger.With("component", "git"))

	return &app{
		opts:     opts,
		cfg:      cfg,
		logger:   logger,
		runner:   runner,
		git:      gitClient,
		packager: pkg,
		ops:      ops,
		closeLog: closeLog,
	}, nil
}

func (a *app) close() {
	if err := a.closeLog(); err != nil {
		a.logger.Warn("failed to close output file", "error", err)
	}
}

// images returns the selected images of the selected sets
func (a *app) images() ([]config.Image, error) {
	images, err := a.cfg.Images(a.opts.doSets)
	if err != nil {
		return nil, err
	}
	return config.Filter(images, a.opts.doImages, a.opts.excludeImages), nil
}

// workDir resolves the working directory, creating it when create is set.
// An empty result means no working directory exists yet.
func (a *app) workDir(create bool) (string, error) {
	if err := config.RequireBaseImage(a.opts.base); err != nil {
		return "", err
	}
	if a.opts.clearCache {
		if err := clearWorkDir(a.logger, a.opts.tmp, a.opts.base); err != nil {
			return "", err
		}
	}
	return resolveWorkDir(a.opts.tmp, a.opts.base, create)
}

// engine creates a sync engine working below the resolved working directory.
// Without create the working directory must already exist.
func (a *app) engine(create bool) (*sync.Engine, error) {
	dir, err := a.workDir(create)
	if err != nil {
		return nil, err
	}
	if !create {
		if err := requireWorkDir(dir); err != nil {
			return nil, err
		}
	}
	reason := a.cfg.RebuildReason
	if a.opts.rebuildReason != "" {
		reason = a.opts.rebuildReason
	}
	e := sync.NewEngine(a.ops, a.packager, a.runner, &afero.OsFs{}, sync.Options{
		WorkDir:       dir,
		BaseImage:     a.opts.base,
		RebuildReason: reason,
		FromTag:       a.cfg.FromTag,
		DfExt:         a.cfg.DfExt,
		IgnoreFiles:   a.cfg.IgnoreFiles,
		ImageNames:    a.cfg.ImageNames,
		CheckScript:   a.opts.checkScript,
	}, a.logger.With("component", "sync"))
	if a.opts.commitMsg != "" {
		e.SetCommitMessage(a.opts.commitMsg)
	}
	a.logger.Info("using working directory", "path", dir)
	return e, nil
}

// builder creates a builder for the existing working directory
func (a *app) builder(args []string) (*build.Builder, error) {
	dir, err := a.workDir(false)
	if err != nil {
		return nil, err
	}
	return build.NewBuilder(a.packager, a.git, build.Options{
		WorkDir:  dir,
		Branches: a.cfg.CurrentBranches(),
		Args:     args,
	}, a.logger.With("component", "build")), nil
}

// resolveSet returns the selected images of one image set
func (a *app) resolveSet(id string) ([]config.Image, error) {
	images, err := a.cfg.ImageSet(id)
	if err != nil {
		return nil, err
	}
	return config.Filter(images, a.opts.doImages, a.opts.excludeImages), nil
}

// requireWorkDir fails unless dir is an existing directory
func requireWorkDir(dir string) error {
	if dir == "" {
		return build.ErrWorkDirMissing
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return build.ErrWorkDirMissing
	}
	return nil
}

func workDirPrefix(base string) string {
	return strings.ReplaceAll(base, ":", "-")
}

// resolveWorkDir returns tmp when set, or the first directory in the system
// temp dir named after base. A new one is created when none exists and create is set.
func resolveWorkDir(tmp, base string, create bool) (string, error) {
	if tmp != "" {
		if create {
			if err := os.MkdirAll(tmp, 0755); err != nil {
				return "", err
			}
		}
		return tmp, nil
	}

	prefix := workDirPrefix(base)
	if dir, ok := findWorkDir(prefix); ok {
		return dir, nil
	}
	if !create {
		return "", nil
	}
	return os.MkdirTemp("", prefix)
}

func findWorkDir(prefix string) (string, bool) {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(os.TempDir(), e.Name()), true
		}
	}
	return "", false
}

// clearWorkDir removes the working directory. A user supplied one is recreated empty.
func clearWorkDir(logger *slog.Logger, tmp, base string) error {
	logger.Info("removing cached data and git storage")
	dir, err := resolveWorkDir(tmp, base, false)
	if err != nil || dir == "" {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if tmp != "" {
		return os.MkdirAll(tmp, 0755)
	}
	return nil
}
