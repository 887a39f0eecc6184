package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/cwsync/internal/config"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options holds the global flags after environment overrides are applied
type options struct {
	configPath    string
	base          string
	tmp           string
	clearCache    bool
	doImages      []string
	excludeImages []string
	doSets        []string
	disableKlist  bool
	logLevel      string
	logFormat     string
	outputFile    string

	rebuildReason string
	commitMsg     string
	checkScript   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Fprintf(w, "ERROR: %s\n", err)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	env := viper.New()

	rootCmd := &cobra.Command{
		Use:   "cwsync",
		Short: "Synchronize container image sources into dist-git repositories",
		Long: `cwsync keeps downstream dist-git repositories of container images in sync
with their upstream sources.

It pulls upstream image directories into the downstream repositories, rewrites
the Dockerfile base image tag, commits and pushes the result and triggers
container builds for whole image sets.

Every flag can also be set through a CWSYNC_ prefixed environment variable,
e.g. CWSYNC_BASE=fedora:40.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.load(env)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "default.yaml", "config file, optionally followed by :<release>")
	flags.String("base", "", "base image the downstream images are rebuilt on (e.g. fedora:40)")
	flags.String("tmp", "", "working directory, overrides the one derived from --base")
	flags.Bool("clear-cache", false, "remove the working directory before running the command")
	flags.StringSlice("do-image", nil, "only process these components")
	flags.StringSlice("exclude-image", nil, "skip these components")
	flags.StringSlice("do-set", nil, "only process these image sets")
	flags.Bool("disable-klist", false, "do not check for a Kerberos ticket")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("output-file", "", "also append info and higher log messages to this file")

	gitCmd := newGitCmd(opts)
	rootCmd.AddCommand(gitCmd)
	rootCmd.AddCommand(newBuildCmd(opts))
	rootCmd.AddCommand(newUtilsCmd(opts))
	rootCmd.AddCommand(newReportCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	env.SetEnvPrefix("CWSYNC")
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	env.AutomaticEnv()
	_ = env.BindPFlags(flags)
	_ = env.BindPFlags(gitCmd.PersistentFlags())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cwsync %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

func (o *options) load(env *viper.Viper) {
	o.configPath = env.GetString("config")
	o.base = env.GetString("base")
	o.tmp = env.GetString("tmp")
	o.clearCache = env.GetBool("clear-cache")
	o.doImages = env.GetStringSlice("do-image")
	o.excludeImages = env.GetStringSlice("exclude-image")
	o.doSets = env.GetStringSlice("do-set")
	o.disableKlist = env.GetBool("disable-klist")
	o.logLevel = env.GetString("log-level")
	o.logFormat = env.GetString("log-format")
	o.outputFile = env.GetString("output-file")
	o.rebuildReason = env.GetString("rebuild-reason")
	o.commitMsg = env.GetString("commit-msg")
	o.checkScript = env.GetString("check-script")
}

func setupLogger(level, format string) *slog.Logger {
	// Parse log level
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: l}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger, configPath string) (*config.Config, error) {
	path, release, err := config.SplitConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", path, "release", release)

	cfg, err := config.Load(path, release)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"packager", cfg.PackagerUtil,
		"hostname_url", cfg.HostnameURL,
		"from_tag", cfg.FromTag,
		"layers", cfg.Layers)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
