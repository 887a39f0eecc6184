package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/cwsync/internal/config"
	"github.com/schaermu/cwsync/internal/dockerfile"
	"github.com/schaermu/cwsync/internal/sync"
)

// upstreamNameRe extracts the repository name from an upstream URL
var upstreamNameRe = regexp.MustCompile(`.*/([a-zA-Z0-9-]+)\.git`)

// runE loads the configuration and the signal aware context for a subcommand
func runE(opts *options, fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		a, err := newApp(opts)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, cmd, a, args)
	}
}

func newGitCmd(opts *options) *cobra.Command {
	gitCmd := &cobra.Command{
		Use:   "git",
		Short: "Work with the downstream dist-git repositories",
	}
	gitCmd.PersistentFlags().String("rebuild-reason", "", "use a custom reason for rebuilding")
	gitCmd.PersistentFlags().String("commit-msg", "", "use a custom message instead of the default one")
	gitCmd.PersistentFlags().String("check-script", "", "script to be run when checking repositories")

	var diff bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show unpushed commits, or uncommitted changes with --diff",
		Args:  cobra.ArbitraryArgs,
		RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			e, err := a.engine(false)
			if err != nil {
				return err
			}
			components := args
			if len(components) == 0 && (len(opts.doImages) > 0 || len(opts.doSets) > 0 || len(opts.excludeImages) > 0) {
				images, err := a.images()
				if err != nil {
					return err
				}
				for _, img := range images {
					components = append(components, img.Component)
				}
			}
			return e.ShowChanges(ctx, components, diff, cmd.OutOrStdout())
		}),
	}
	showCmd.Flags().BoolVar(&diff, "diff", false, "show uncommitted changes instead of unpushed commits")

	gitCmd.AddCommand(
		&cobra.Command{
			Use:   "pull-downstream",
			Short: "Clone or open the downstream repositories",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				return withImages(a, true, func(e *sync.Engine, images []config.Image) error {
					return e.PullDownstream(ctx, images)
				})
			}),
		},
		&cobra.Command{
			Use:   "pull-upstream",
			Short: "Clone or open the upstream repositories",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				return withImages(a, true, func(e *sync.Engine, images []config.Image) error {
					return e.PullUpstream(ctx, images)
				})
			}),
		},
		&cobra.Command{
			Use:   "merge-from-upstream",
			Short: "Pull upstream changes into the downstream repositories and commit them",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				return withImages(a, true, func(e *sync.Engine, images []config.Image) error {
					results, err := e.SyncFromUpstream(ctx, images)
					logResults(a, results)
					return err
				})
			}),
		},
		&cobra.Command{
			Use:   "rebase",
			Short: "Rewrite the base image tag of the downstream repositories and commit",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				return withImages(a, true, func(e *sync.Engine, images []config.Image) error {
					results, err := e.Rebase(ctx, images)
					logResults(a, results)
					return err
				})
			}),
		},
		&cobra.Command{
			Use:   "push",
			Short: "Push downstream repositories with unpushed commits",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				return withImages(a, false, func(e *sync.Engine, images []config.Image) error {
					return e.Push(ctx, images)
				})
			}),
		},
		&cobra.Command{
			Use:   "merge-future",
			Short: "Merge the release branches into the future branches without pushing",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				return withImages(a, true, func(e *sync.Engine, images []config.Image) error {
					return e.MergeFutureBranches(ctx, images)
				})
			}),
		},
		showCmd,
	)
	return gitCmd
}

// withImages runs fn on the selected images. Unless create is set the
// working directory must exist already.
func withImages(a *app, create bool, fn func(e *sync.Engine, images []config.Image) error) error {
	images, err := a.images()
	if err != nil {
		return err
	}
	e, err := a.engine(create)
	if err != nil {
		return err
	}
	return fn(e, images)
}

func logResults(a *app, results []sync.Result) {
	for _, r := range results {
		a.logger.Info("image processed", "component", r.Component, "outcome", r.Outcome)
	}
}

func newBuildCmd(opts *options) *cobra.Command {
	var buildArgs []string
	cmd := &cobra.Command{
		Use:   "build <image-set>",
		Short: "Submit container builds for an image set and its triggered sets",
		Args:  cobra.ExactArgs(1),
		RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			images, err := a.resolveSet(args[0])
			if err != nil {
				return err
			}
			b, err := a.builder(buildArgs)
			if err != nil {
				return err
			}
			summary, err := b.Build(ctx, images, a.resolveSet)
			if err != nil {
				return err
			}
			if len(summary.Failed) > 0 {
				return fmt.Errorf("builds failed for: %s", strings.Join(summary.Failed, ", "))
			}
			return nil
		}),
	}
	cmd.Flags().StringArrayVar(&buildArgs, "arg", nil, "extra argument passed to container-build (repeatable)")
	return cmd
}

func newUtilsCmd(opts *options) *cobra.Command {
	utilsCmd := &cobra.Command{
		Use:   "utils",
		Short: "Inspect the configuration",
	}
	utilsCmd.AddCommand(
		&cobra.Command{
			Use:   "list-images",
			Short: "List the components of the selected images",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				images, err := a.images()
				if err != nil {
					return err
				}
				for _, img := range images {
					fmt.Fprintln(cmd.OutOrStdout(), img.Component)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list-upstream",
			Short: "List the upstream repository of the selected images",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				images, err := a.images()
				if err != nil {
					return err
				}
				return listUpstream(cmd.OutOrStdout(), images)
			}),
		},
		&cobra.Command{
			Use:   "show-config",
			Short: "Print the resolved configuration",
			RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(a.cfg); err != nil {
					return err
				}
				return enc.Close()
			}),
		},
	)
	return utilsCmd
}

func listUpstream(w io.Writer, images []config.Image) error {
	for _, img := range images {
		upsName := ""
		if m := upstreamNameRe.FindStringSubmatch(img.GitURL); m != nil {
			upsName = m[1]
		}
		if _, err := fmt.Fprintf(w, "%s %s %s %s %s %s\n",
			img.Component, img.Name, upsName, img.GitURL, img.GitPath, img.GitBranch); err != nil {
			return err
		}
	}
	return nil
}

func newReportCmd(opts *options) *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Report on the downstream repositories",
	}
	reportCmd.AddCommand(&cobra.Command{
		Use:   "base-images",
		Short: "Print the base image of every downstream Dockerfile",
		RunE: runE(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			images, err := a.images()
			if err != nil {
				return err
			}
			dir, err := a.workDir(false)
			if err != nil {
				return err
			}
			if err := requireWorkDir(dir); err != nil {
				return err
			}
			editor := dockerfile.NewEditor(afero.NewReadOnlyFs(&afero.OsFs{}), a.logger.With("component", "dockerfile"))
			return reportBaseImages(cmd.OutOrStdout(), editor, dir, images)
		}),
	})
	return reportCmd
}

func reportBaseImages(w io.Writer, editor *dockerfile.Editor, dir string, images []config.Image) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tREGISTRY\tREPOSITORY\tTAG")
	for _, img := range images {
		ref, err := editor.BaseImage(filepath.Join(dir, img.Component, "Dockerfile"))
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t%v\n", img.Component, err)
			continue
		}
		repo := ref.Context()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", img.Component, repo.RegistryStr(), repo.RepositoryStr(), ref.Identifier())
	}
	return tw.Flush()
}
