// Package migrate evolves a versioned archive of dynamic tables through the
// versions of a Registry.
//
// Every version runs its transforms, swaps the rebuilt tables into place
// once all of them are built, runs its actions and finally records the
// version on the archive root. The version attribute is the only
// checkpoint: a run that fails midway resumes at the first unrecorded
// version, and every step is safe to repeat with Force set.
package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/internal/store"
)

const (
	DefaultArchivePath = "//sys/operations_archive"
	DefaultShardCount  = 100
)

// VersionState is the progress of one version within a run.
type VersionState uint

const (
	Pending VersionState = iota
	Transforming
	Swapping
	Acting
	Applied
)

func (s VersionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Transforming:
		return "transforming"
	case Swapping:
		return "swapping"
	case Acting:
		return "acting"
	case Applied:
		return "applied"
	default:
		return "unknown"
	}
}

// Observer is notified of every state a version enters.
type Observer func(version int, state VersionState)

// Config controls an Engine.
type Config struct {
	ArchivePath string
	ShardCount  int

	// Force removes temp tables left by an earlier attempt before rebuilding.
	Force bool

	// Verify checks every rebuilt table against its job before the swap.
	Verify bool

	JobWorkers   int
	JobBatchSize int
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		ArchivePath: DefaultArchivePath,
		ShardCount:  DefaultShardCount,
		Verify:      true,
	}
}

// Engine applies the versions of a registry to an archive.
type Engine struct {
	logger   *zap.Logger
	client   store.Client
	registry *Registry
	config   Config

	metrics  *Metrics
	observer Observer

	now func() time.Time
}

// NewEngine constructs an engine. Zero ArchivePath and ShardCount fall back
// to the defaults.
func NewEngine(logger *zap.Logger, client store.Client, registry *Registry, cfg Config) *Engine {
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = DefaultArchivePath
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	return &Engine{
		logger:   logger,
		client:   client,
		registry: registry,
		config:   cfg,
		metrics:  NewMetrics(),
		observer: func(int, VersionState) {},
		now:      time.Now,
	}
}

// WithObserver sets the state observer.
func (e *Engine) WithObserver(fn Observer) *Engine {
	if fn == nil {
		fn = func(int, VersionState) {}
	}
	e.observer = fn
	return e
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Registry returns the registry the engine applies.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CurrentVersion returns the version recorded on the archive root, or -1
// when the archive or its version does not exist.
func (e *Engine) CurrentVersion(ctx context.Context) (int, error) {
	exists, err := e.client.Exists(ctx, e.config.ArchivePath)
	if err != nil || !exists {
		return -1, err
	}
	attrs, err := e.client.Attributes(ctx, e.config.ArchivePath)
	if err != nil {
		return -1, err
	}
	v, ok := attrs[store.AttrVersion]
	if !ok {
		return -1, nil
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return -1, errs.NewStoreError(errs.CodeInvalidState,
		fmt.Sprintf("%s/@%s is not an integer: %v", e.config.ArchivePath, store.AttrVersion, v), nil)
}

// checkTarget rejects a target below the archive's current version. A
// target above the latest registered version is not rejected here: the
// run applies every registered version and fails on the first empty one.
func (e *Engine) checkTarget(current, target int) error {
	if target < current {
		return errs.NewValidationError(errs.CodeVersionRegress,
			fmt.Sprintf("target version %d is below the current archive version %d", target, current))
	}
	return nil
}

// Migrate brings the archive from its current version up to target.
func (e *Engine) Migrate(ctx context.Context, target int) error {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if err := e.checkTarget(current, target); err != nil {
		return err
	}
	if current == target {
		e.logger.Info("Archive is up to date", zap.Int("version", current))
		return nil
	}
	return e.Transform(ctx, current+1, target)
}

func (e *Engine) notify(v int, state VersionState) {
	e.logger.Debug("Version state", zap.Int("version", v), zap.Stringer("state", state))
	e.observer(v, state)
}

func (e *Engine) ensureArchive(ctx context.Context) error {
	return e.client.Create(ctx, store.KindMapNode, e.config.ArchivePath, store.CreateOptions{
		Recursive:      true,
		IgnoreExisting: true,
	})
}

func (e *Engine) env(v int) StepEnv {
	return StepEnv{
		Client:       e.client,
		Logger:       e.logger.With(zap.Int("version", v)),
		ArchivePath:  e.config.ArchivePath,
		ShardCount:   e.config.ShardCount,
		Version:      v,
		JobWorkers:   e.config.JobWorkers,
		JobBatchSize: e.config.JobBatchSize,
	}
}

func (e *Engine) observe(kind string, start time.Time) {
	e.metrics.StepDuration.WithLabelValues(kind).Observe(e.now().Sub(start).Seconds())
}

// Transform applies versions begin through end. The schema cache is rebuilt
// from the transforms below begin. A failed version leaves the archive at
// the previous version.
func (e *Engine) Transform(ctx context.Context, begin, end int) error {
	if begin < 0 {
		return errs.NewValidationError(errs.CodeInvalidArgument, fmt.Sprintf("negative begin version %d", begin))
	}
	if err := e.registry.Validate(); err != nil {
		return err
	}

	e.logger.Info("Transforming archive",
		zap.String("path", e.config.ArchivePath),
		zap.Int("from", begin-1),
		zap.Int("to", end))

	cache := NewSchemaCache()
	cache.Rebuild(e.registry, begin)

	if err := e.ensureArchive(ctx); err != nil {
		return err
	}

	for v := begin; v <= end; v++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.applyVersion(ctx, cache, v); err != nil {
			return fmt.Errorf("version %d: %w", v, err)
		}
	}
	return nil
}

func (e *Engine) applyVersion(ctx context.Context, cache *SchemaCache, v int) error {
	e.notify(v, Pending)
	e.logger.Info("Transforming to version", zap.Int("version", v))

	desc, _ := e.registry.Version(v)
	env := e.env(v)
	hadWork := false

	e.notify(v, Transforming)
	var swaps []SwapRecord
	if desc != nil {
		for _, step := range desc.Transforms {
			hadWork = true
			rec, err := e.transform(ctx, env, cache, step)
			if err != nil {
				return err
			}
			if rec != nil {
				swaps = append(swaps, *rec)
			}
		}
	}

	e.notify(v, Swapping)
	for _, rec := range swaps {
		start := e.now()
		backup, err := Swap(ctx, e.client, env.Logger, rec)
		if err != nil {
			return err
		}
		e.observe(LabelSwap, start)
		if backup != "" {
			e.metrics.Swaps.WithLabelValues(LabelReplaced).Inc()
		} else {
			e.metrics.Swaps.WithLabelValues(LabelCreated).Inc()
		}
	}

	e.notify(v, Acting)
	if desc != nil {
		for _, action := range desc.Actions {
			hadWork = true
			start := e.now()
			env.Logger.Info("Executing action", zap.String("action", action.Name()))
			if err := action.Apply(ctx, env); err != nil {
				return err
			}
			e.observe(LabelAction, start)
		}
	}

	if !hadWork {
		return errs.NewConfigurationError(errs.CodeEmptyVersion,
			fmt.Sprintf("version %d must have actions or transforms", v))
	}

	if err := e.client.Set(ctx, e.config.ArchivePath, store.AttrVersion, v); err != nil {
		return err
	}
	e.metrics.VersionsApplied.Inc()
	e.metrics.CurrentVersion.Set(float64(v))
	e.notify(v, Applied)
	return nil
}

// transform runs one step and returns the swap it needs, if any.
func (e *Engine) transform(ctx context.Context, env StepEnv, cache *SchemaCache, step TransformStep) (*SwapRecord, error) {
	start := e.now()
	temp := TempPath(env.ArchivePath, step.Table, env.Version)

	if e.config.Force {
		if err := e.removeResidue(ctx, env.Logger, temp); err != nil {
			return nil, err
		}
	}

	cached, known := cache.Get(step.Table)
	source := ""
	if known {
		source = step.Table
	}
	env.Logger.Debug("Applying transform", zap.String("step", step.Describe(known)))

	out, err := step.Apply(ctx, env, cached, temp, source)
	if err != nil {
		return nil, err
	}
	cache.Put(step.Table, out.Spec)
	e.observe(LabelTransform, start)

	if out.Kind == InPlace {
		return nil, nil
	}

	if out.Job != nil {
		e.metrics.RowsCopied.Add(float64(out.Job.OutputRows))
		if e.config.Verify {
			if err := Verify(ctx, e.client, env.Logger, out.Temp, *out.Job, step.AllowRowCountChange); err != nil {
				e.metrics.VerificationFailures.WithLabelValues(errs.GetCode(err)).Inc()
				if out.Offline {
					env.Logger.Info("Remounting live table after a rejected rebuild", zap.String("path", out.Target))
					err = multierr.Append(err, e.client.Mount(ctx, out.Target))
				}
				return nil, err
			}
		}
	}
	return &SwapRecord{Target: out.Target, Temp: out.Temp, Version: env.Version}, nil
}

// removeResidue drops a temp table left by an earlier attempt.
func (e *Engine) removeResidue(ctx context.Context, logger *zap.Logger, temp string) error {
	exists, err := e.client.Exists(ctx, temp)
	if err != nil || !exists {
		return err
	}
	state, err := e.client.Get(ctx, temp, store.AttrTabletState)
	if err != nil {
		return err
	}
	if state == store.TabletMounted {
		if err := e.client.Unmount(ctx, temp); err != nil {
			return err
		}
	}
	logger.Info("Removing temp table left by an earlier attempt", zap.String("path", temp))
	return e.client.Remove(ctx, temp, true)
}

// Bootstrap creates every table directly at its layout as of target, with
// no mappers and no swaps, and records target on the archive. Target must
// be a version with transforms.
func (e *Engine) Bootstrap(ctx context.Context, target int) error {
	desc, ok := e.registry.Version(target)
	if !ok || len(desc.Transforms) == 0 {
		return errs.NewConfigurationError(errs.CodeUnknownVersion,
			fmt.Sprintf("version %d has no transforms to bootstrap from", target))
	}

	cache := NewSchemaCache()
	cache.Rebuild(e.registry, target+1)

	e.logger.Info("Bootstrapping archive",
		zap.String("path", e.config.ArchivePath),
		zap.Int("version", target),
		zap.Strings("tables", cache.Tables()))

	if err := e.ensureArchive(ctx); err != nil {
		return err
	}
	for _, table := range cache.Tables() {
		spec, _ := cache.Get(table)
		path := store.Join(e.config.ArchivePath, table)
		if err := spec.CreateDynamic(ctx, e.logger, e.client, path); err != nil {
			return err
		}
		if spec.InMemory {
			if err := e.client.Set(ctx, path, store.AttrInMemoryMode, "compressed"); err != nil {
				return err
			}
		}
		if err := spec.AlterLive(ctx, e.logger, e.client, path, e.config.ShardCount, true); err != nil {
			return err
		}
	}

	if err := e.client.Set(ctx, e.config.ArchivePath, store.AttrVersion, target); err != nil {
		return err
	}
	e.metrics.CurrentVersion.Set(float64(target))
	e.notify(target, Applied)
	return nil
}

// BootstrapLatest bootstraps at the latest version with transforms.
func (e *Engine) BootstrapLatest(ctx context.Context) error {
	latest := e.registry.LatestTransform()
	if latest < 0 {
		return errs.NewConfigurationError(errs.CodeUnknownVersion, "registry has no transforms")
	}
	return e.Bootstrap(ctx, latest)
}

// PlannedStep is one step a run would execute.
type PlannedStep struct {
	Kind        string
	Description string
}

// PlannedVersion lists the steps of one version in the order they run.
type PlannedVersion struct {
	Version int
	Steps   []PlannedStep
}

// Plan lists what migrating from current to target would do without
// touching the store. It fails the same way Migrate would on a bad target
// or an empty version.
func (e *Engine) Plan(current, target int) ([]PlannedVersion, error) {
	if latest := e.registry.Latest(); target > latest {
		return nil, errs.NewConfigurationError(errs.CodeUnknownVersion,
			fmt.Sprintf("target version %d is above the latest registered version %d", target, latest))
	}
	if err := e.checkTarget(current, target); err != nil {
		return nil, err
	}
	if err := e.registry.Validate(); err != nil {
		return nil, err
	}

	cache := NewSchemaCache()
	cache.Rebuild(e.registry, current+1)

	var plan []PlannedVersion
	for v := current + 1; v <= target; v++ {
		desc, _ := e.registry.Version(v)
		if desc.Empty() {
			return plan, errs.NewConfigurationError(errs.CodeEmptyVersion,
				fmt.Sprintf("version %d must have actions or transforms", v))
		}

		pv := PlannedVersion{Version: v}
		var swaps []PlannedStep
		for _, step := range desc.Transforms {
			_, known := cache.Get(step.Table)
			pv.Steps = append(pv.Steps, PlannedStep{Kind: LabelTransform, Description: step.Describe(known)})
			if !step.inPlace(known) {
				live := store.Join(e.config.ArchivePath, step.Table)
				swaps = append(swaps, PlannedStep{
					Kind:        LabelSwap,
					Description: fmt.Sprintf("swap %s into %s", TempPath(e.config.ArchivePath, step.Table, v), live),
				})
			}
			cache.Put(step.Table, step.Spec)
		}
		pv.Steps = append(pv.Steps, swaps...)
		for _, action := range desc.Actions {
			pv.Steps = append(pv.Steps, PlannedStep{Kind: LabelAction, Description: action.Name()})
		}
		plan = append(plan, pv)
	}
	return plan, nil
}
