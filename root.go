package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudsync-go/internal/config"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/providers"
)

// version is set at build time via ldflags.
var version = "dev"

// logFilePerms restricts the optional log file to the owner.
const logFilePerms = 0o600

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	Cloud      string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once per invocation by the root pre-run hook and
// carried to subcommands through the command context.
type CLIContext struct {
	Flags    CLIFlags
	Cfg      *config.Config
	Env      config.EnvOverrides
	Logger   *slog.Logger
	Registry *cloudsync.Registry

	// Metrics is attached to sessions when set (mirror --metrics-addr).
	Metrics *cloudsync.Metrics

	Out io.Writer
	Err io.Writer

	closers []io.Closer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run hook.
// Commands never run without it, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cloudsync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with the built-in providers.
func newRootCmd() *cobra.Command {
	return buildRootCmd(providers.NewRegistry)
}

// buildRootCmd assembles the command tree. newRegistry is called once per
// invocation; tests pass one holding in-memory backends.
func buildRootCmd(newRegistry func() *cloudsync.Registry) *cobra.Command {
	var flags CLIFlags

	var cc *CLIContext

	cmd := &cobra.Command{
		Use:     "cloudsync",
		Short:   "Unified cloud storage client",
		Long:    "Browse, transfer and mirror files across WebDAV, Nextcloud, OneDrive, Google Drive, Dropbox, Box and S3.",
		Version: version,
		// We print errors ourselves in main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error

			cc, err = newCLIContext(cmd, flags, newRegistry())
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if cc != nil {
				cc.close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.Cloud, "cloud", "", "configured cloud to use")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newProvidersCmd())
	cmd.AddCommand(newCloudsCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newCatCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMirrorCmd())

	return cmd
}

// newCLIContext loads the config file (defaults -> file -> env -> flags)
// and builds the logger.
func newCLIContext(cmd *cobra.Command, flags CLIFlags, reg *cloudsync.Registry) (*CLIContext, error) {
	env := config.ReadEnvOverrides()

	cfgPath := config.DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if flags.ConfigPath != "" {
		cfgPath = flags.ConfigPath
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{
		Flags:    flags,
		Cfg:      cfg,
		Env:      env,
		Registry: reg,
		Out:      cmd.OutOrStdout(),
		Err:      cmd.ErrOrStderr(),
	}

	logger, closer, err := buildLogger(cfg.Logging, flags, cc.Err)
	if err != nil {
		return nil, err
	}

	if closer != nil {
		cc.closers = append(cc.closers, closer)
	}

	cc.Logger = logger

	return cc, nil
}

// resolveCloud picks the cloud named by --cloud, CLOUDSYNC_CLOUD, or the
// only configured one.
func (cc *CLIContext) resolveCloud() (*config.Resolved, error) {
	name := cc.Flags.Cloud
	if name == "" {
		name = cc.Env.Cloud
	}

	rc, err := config.ResolveCloud(cc.Cfg, name, cc.Env)
	if errors.Is(err, config.ErrNoClouds) {
		return nil, fmt.Errorf("%w: add a [cloud.<name>] section to %s", err, configPathHint(cc))
	}

	return rc, err
}

func configPathHint(cc *CLIContext) string {
	switch {
	case cc.Flags.ConfigPath != "":
		return cc.Flags.ConfigPath
	case cc.Env.ConfigPath != "":
		return cc.Env.ConfigPath
	default:
		return config.DefaultConfigPath()
	}
}

func (cc *CLIContext) close() {
	for _, c := range cc.closers {
		c.Close()
	}

	cc.closers = nil
}

// buildLogger creates an slog.Logger from the logging section and the CLI
// flags. The config level is the baseline; --verbose and --quiet override
// it because CLI flags always win. Format "auto" picks text on a terminal
// and JSON otherwise.
func buildLogger(lc config.LoggingConfig, flags CLIFlags, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo

	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	w := stderr

	var closer io.Closer

	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if useJSONLogs(lc.Format, w) {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h), closer, nil
}

func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
