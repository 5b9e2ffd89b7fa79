package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/serversync/internal/config"
	"github.com/schaermu/serversync/internal/git"
	"github.com/schaermu/serversync/internal/sync"
	"github.com/schaermu/serversync/internal/syncerr"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel  string
	logFormat string
	verbose   bool
	dryRun    bool
	showDiff  bool

	// environ is swapped in tests.
	environ = os.Environ
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(syncerr.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "server-sync",
	Short: "Deploy the files of a Git repository selected by context to a server directory",
	Long: `server-sync mirrors a Git branch into SERVER_SYNC_REPO_STORAGE, selects the
files tagged for the contexts in SERVER_SYNC_CONTEXTS and copies them into
SERVER_SYNC_DESTINATION, owned by UID/USER and GID/GROUP.

All configuration comes from the environment. SERVER_SYNC_ENV may name a file
whose entries take precedence over the process environment.

Exit codes: 0 success, 2 configuration error, 3 repository error,
4 deployment error, 1 anything else.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "server-sync %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level=debug")

	// Sync flags
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.Flags().BoolVar(&showDiff, "diff", false, "print a diff of every file whose content changes")

	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger(cmd.OutOrStdout())

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}

	gitClient := git.NewClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, git.WithLogger(logger))

	opts := sync.Options{DryRun: dryRun}
	if showDiff {
		opts.Diff = cmd.OutOrStdout()
	}
	engine := sync.NewEngine(cfg, gitClient, afero.NewOsFs(), logger, opts)

	report, err := engine.Run(ctx)
	if err != nil {
		logFailure(logger, err)
		return err
	}

	logger.Info("done", "written", report.Written, "changed", report.Changed)
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func logFailure(logger *slog.Logger, err error) {
	attrs := []any{"error", err}
	var stageErr *sync.StageError
	if errors.As(err, &stageErr) {
		attrs = append(attrs, "stage", string(stageErr.Stage))
	}
	logger.Error("sync failed", attrs...)

	var st stackTracer
	if errors.As(err, &st) {
		logger.Debug("failure origin", "stack", fmt.Sprintf("%+v", st.StackTrace()))
	}
}

func setupLogger(out io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(environ())
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.RedactedURL(),
		"branch", cfg.Repo.Branch,
		"contexts", cfg.Contexts.String(),
		"dest", cfg.Paths.Destination,
		"repo_storage", cfg.Paths.RepoStorage,
		"owner", cfg.Owner.String(),
		"auth", cfg.AuthMethod(),
		"env_file", cfg.Paths.EnvFile)

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
