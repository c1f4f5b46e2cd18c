// Package main provides the oparchive-migrate CLI, which brings an
// operations archive up to a target version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arkilian/oparchive/internal/app"
	"github.com/arkilian/oparchive/internal/config"
	"github.com/arkilian/oparchive/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

// flags holds the command line values. Only flags the user actually set
// override the config file and environment.
var flags struct {
	configFile    string
	dataDir       string
	storePath     string
	archivePath   string
	shardCount    int
	force         bool
	noVerify      bool
	logLevel      string
	logFormat     string
	metricsFile   string
	targetVersion int
	latest        bool
}

var (
	// application is opened by PersistentPreRunE and closed after the command.
	application *app.App
	log         *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oparchive-migrate",
	Short: "Migrate the operations archive to a target version",
	Long: `oparchive-migrate evolves the operations archive tables through their
registered versions. Each version rebuilds or alters tables, swaps rebuilt
tables into place and runs administrative actions, then records the version
on the archive root. An interrupted run resumes at the first unrecorded
version.

Examples:
  oparchive-migrate --target-version 25
  oparchive-migrate --target-version 12 --force
  oparchive-migrate --latest --archive-path //sys/operations_archive
  oparchive-migrate status
  oparchive-migrate plan --target-version 25

Environment Variables:
  OPARCHIVE_DATA_DIR       Base directory for data files
  OPARCHIVE_STORE_PATH     Table store database file
  OPARCHIVE_ARCHIVE_PATH   Archive root path
  OPARCHIVE_STAGING_TYPE   Staging storage type (local, s3)
  OPARCHIVE_LOG_LEVEL      Log level (debug, info, warn, error)`,
	Version:            fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:       true,
	SilenceErrors:      true,
	Args:               cobra.NoArgs,
	PersistentPreRunE:  openApp,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return closeApp() },
	RunE:               runMigrate,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "path to configuration file (YAML or JSON)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "base directory for data files")
	pf.StringVar(&flags.storePath, "store", "", "table store database file")
	pf.StringVar(&flags.archivePath, "archive-path", "", "archive root path (default //sys/operations_archive)")
	pf.IntVar(&flags.shardCount, "shard-count", 0, "tablet count for default pivots (default 100)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: console, json, logfmt")
	pf.StringVar(&flags.metricsFile, "metrics-file", "", "write run metrics to this file in the Prometheus text format")

	f := rootCmd.Flags()
	f.IntVar(&flags.targetVersion, "target-version", -1, "version to migrate the archive to")
	f.BoolVar(&flags.force, "force", false, "remove temp tables left by a failed attempt before rebuilding")
	f.BoolVar(&flags.noVerify, "no-verify", false, "skip row count and checksum verification before swaps")
	f.BoolVar(&flags.latest, "latest", false, "create a new archive directly at the latest layout")
	rootCmd.MarkFlagsMutuallyExclusive("target-version", "latest")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
}

// loadConfig layers the config file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if flags.configFile != "" {
		cfg, err = config.LoadFromFile(flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	changed := cmd.Flags().Changed
	if changed("data-dir") {
		cfg.DataDir = flags.dataDir
	}
	if changed("store") {
		cfg.StorePath = flags.storePath
	}
	if changed("archive-path") {
		cfg.Archive.Path = flags.archivePath
	}
	if changed("shard-count") {
		cfg.Archive.ShardCount = flags.shardCount
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if changed("metrics-file") {
		cfg.MetricsFile = flags.metricsFile
	}
	if changed("force") {
		cfg.Archive.Force = flags.force
	}
	if changed("no-verify") {
		cfg.Archive.Verify = !flags.noVerify
	}

	return cfg, nil
}

func openApp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err = logger.New(os.Stderr, logger.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	if err != nil {
		return err
	}

	application, err = app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	return nil
}

func closeApp() error {
	var err error
	if application != nil {
		err = application.Close()
		application = nil
	}
	if log != nil {
		// Sync fails on terminals; the result carries no information.
		_ = log.Sync()
	}
	return err
}

func runMigrate(cmd *cobra.Command, args []string) (err error) {
	// PersistentPostRunE is skipped when RunE fails.
	defer func() {
		if err != nil {
			err = multierr.Append(err, closeApp())
		}
	}()

	ctx := cmd.Context()
	if flags.latest {
		return application.Bootstrap(ctx)
	}
	if !cmd.Flags().Changed("target-version") {
		return fmt.Errorf("--target-version is required unless --latest is set")
	}
	if err := application.Migrate(ctx, flags.targetVersion); err != nil {
		return err
	}
	log.Info("Migration complete", zap.Int("version", flags.targetVersion))
	return nil
}
