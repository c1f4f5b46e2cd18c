// Package app wires configuration, staging storage, the table store and the
// migration engine into a single lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arkilian/oparchive/internal/archive"
	"github.com/arkilian/oparchive/internal/config"
	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/internal/migrate"
	"github.com/arkilian/oparchive/internal/storage"
	"github.com/arkilian/oparchive/internal/store"
)

// App owns the resources of one migration run.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	staging storage.ObjectStorage
	store   *store.SQLiteStore
	engine  *migrate.Engine

	mu     sync.Mutex
	closed bool
}

// Status describes an archive relative to its registry.
type Status struct {
	ArchivePath string
	Current     int
	Latest      int
	Pending     []int
}

// UpToDate reports whether no versions are pending.
func (s Status) UpToDate() bool {
	return len(s.Pending) == 0
}

// New resolves and validates cfg, opens the staging storage and the table
// store, and builds an engine over the operations archive registry.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return NewWithRegistry(ctx, cfg, logger, archive.NewRegistry())
}

// NewWithRegistry is New with an explicit registry.
func NewWithRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger, registry *migrate.Registry) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.initSharedResources(ctx, registry); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

// initSharedResources initializes staging storage, the store and the engine.
func (a *App) initSharedResources(ctx context.Context, registry *migrate.Registry) error {
	var err error

	switch a.cfg.Staging.Type {
	case "local":
		a.staging, err = storage.NewLocalStorage(a.cfg.Staging.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Staging.S3.Region != "" {
			s3Cfg.Region = a.cfg.Staging.S3.Region
		}
		if a.cfg.Staging.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Staging.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		s3Cfg.Prefix = a.cfg.Staging.S3.Prefix
		a.staging, err = storage.NewS3Storage(ctx, a.cfg.Staging.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported staging type: %s", a.cfg.Staging.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize staging storage: %w", err)
	}

	jobOpts := jobs.Options{
		Workers:   a.cfg.Jobs.Workers,
		BatchSize: a.cfg.Jobs.BatchSize,
	}
	a.store, err = store.Open(store.Config{
		Path:    a.cfg.StorePath,
		Staging: a.staging,
		Jobs:    jobOpts,
		Logger:  a.logger.With(zap.String("component", "store")),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	a.engine = migrate.NewEngine(a.logger.With(zap.String("component", "migrate")), a.store, registry, migrate.Config{
		ArchivePath:  a.cfg.Archive.Path,
		ShardCount:   a.cfg.Archive.ShardCount,
		Force:        a.cfg.Archive.Force,
		Verify:       a.cfg.Archive.Verify,
		JobWorkers:   jobOpts.Workers,
		JobBatchSize: jobOpts.BatchSize,
	})

	a.logger.Info("Opened archive store",
		zap.String("store", a.cfg.StorePath),
		zap.String("staging", a.cfg.Staging.Type),
		zap.String("archive", a.cfg.Archive.Path))
	return nil
}

// Engine returns the migration engine.
func (a *App) Engine() *migrate.Engine {
	return a.engine
}

// Store returns the table store.
func (a *App) Store() *store.SQLiteStore {
	return a.store
}

// Status reads the archive version and lists the versions a migration to
// the latest one would apply.
func (a *App) Status(ctx context.Context) (Status, error) {
	current, err := a.engine.CurrentVersion(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ArchivePath: a.cfg.Archive.Path,
		Current:     current,
		Latest:      a.engine.Registry().Latest(),
	}
	for _, v := range a.engine.Registry().Versions() {
		if v > current {
			st.Pending = append(st.Pending, v)
		}
	}
	return st, nil
}

// Migrate applies every version above the current one up to target.
func (a *App) Migrate(ctx context.Context, target int) error {
	return a.engine.Migrate(ctx, target)
}

// Bootstrap stands the archive up directly at its latest layout.
func (a *App) Bootstrap(ctx context.Context) error {
	return a.engine.BootstrapLatest(ctx)
}

// Plan lists the steps migrating to target would run.
func (a *App) Plan(ctx context.Context, target int) ([]migrate.PlannedVersion, error) {
	current, err := a.engine.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current == target {
		return nil, nil
	}
	return a.engine.Plan(current, target)
}

// WriteMetrics writes the engine metrics to the configured metrics file in
// the Prometheus text format. It is a no-op when no file is configured.
func (a *App) WriteMetrics() error {
	if a.cfg.MetricsFile == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	for _, c := range a.engine.Metrics().PrometheusCollectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, reg); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

// Close writes the metrics file and releases the store. It is safe to call
// more than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	if a.engine != nil {
		err = multierr.Append(err, a.WriteMetrics())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}
