package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/internal/store"
	"github.com/arkilian/oparchive/pkg/types"
)

// OutcomeKind tells the engine what a transform left behind.
type OutcomeKind int

const (
	// InPlace means the live table was altered and nothing remains to be done.
	InPlace OutcomeKind = iota
	// NeedsSwap means a rebuilt table waits at a temp path.
	NeedsSwap
)

func (k OutcomeKind) String() string {
	switch k {
	case InPlace:
		return "in_place"
	case NeedsSwap:
		return "needs_swap"
	default:
		return "unknown"
	}
}

// Outcome is the result of applying a TransformStep.
type Outcome struct {
	Kind OutcomeKind

	// Target is the live table path.
	Target string

	// Temp is the rebuilt table when Kind is NeedsSwap.
	Temp string

	// Job is set when rows were copied by a map job.
	Job *jobs.JobResult

	// Spec is the layout the table was built with.
	Spec *TableSpec

	// Offline is set when the rebuild unmounted the live table it read from.
	// Only the swap mounts it again.
	Offline bool
}

// StepEnv is what a step may use while applying.
type StepEnv struct {
	Client      store.Client
	Logger      *zap.Logger
	ArchivePath string
	ShardCount  int
	Version     int

	// JobWorkers and JobBatchSize tune map jobs. Zero keeps the store defaults.
	JobWorkers   int
	JobBatchSize int
}

// TransformStep declares how one table reaches its layout at a version.
// Steps are declarative and never mutated after registration.
type TransformStep struct {
	// Table is the table name relative to the archive root.
	Table string

	// Spec is the new layout. Nil reuses the most recent earlier layout.
	Spec *TableSpec

	// Mapper rewrites rows during a rebuild.
	Mapper *types.Mapper

	// Source names a different table to rebuild from.
	Source string

	// UseDefaultMapper forces a rebuild through the projection mapper.
	UseDefaultMapper bool

	// AllowRowCountChange lets the mapper drop or fan out rows.
	AllowRowCountChange bool
}

// Describe returns a one-line description of what the step does, given
// whether the table already exists in an earlier version.
func (t *TransformStep) Describe(known bool) string {
	if t.inPlace(known) {
		return fmt.Sprintf("alter %s in place", t.Table)
	}
	switch {
	case t.Mapper != nil:
		return fmt.Sprintf("rebuild %s with mapper %s", t.Table, t.Mapper.Name)
	case t.Source != "":
		return fmt.Sprintf("rebuild %s from %s", t.Table, t.Source)
	case known:
		return fmt.Sprintf("rebuild %s with default mapper", t.Table)
	default:
		return fmt.Sprintf("create %s", t.Table)
	}
}

func (t *TransformStep) inPlace(known bool) bool {
	return !t.UseDefaultMapper && t.Mapper == nil && t.Source == "" && known
}

// Apply brings the table to the step's layout. cached is the layout from
// earlier versions, sourceTable the table's name when it already exists.
//
// An in-place alter is used when nothing requires a rebuild and the live
// table exists. Otherwise the table is rebuilt at tempPath from its source,
// or created empty when there is no source, and left unmounted for a swap.
func (t *TransformStep) Apply(ctx context.Context, env StepEnv, cached *TableSpec, tempPath, sourceTable string) (Outcome, error) {
	spec := t.Spec
	if spec == nil {
		spec = cached
	}
	if spec == nil {
		return Outcome{}, errs.NewConfigurationError(errs.CodeUnknownTable,
			fmt.Sprintf("version %d: table %s has no layout in this or any earlier version", env.Version, t.Table))
	}

	c, log := env.Client, env.Logger
	target := store.Join(env.ArchivePath, t.Table)

	if t.inPlace(sourceTable != "") {
		live := store.Join(env.ArchivePath, sourceTable)
		exists, err := c.Exists(ctx, live)
		if err != nil {
			return Outcome{}, err
		}
		if exists {
			if err := spec.AlterLive(ctx, log, c, live, env.ShardCount, true); err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: InPlace, Target: live, Spec: spec}, nil
		}
		log.Warn("Table is missing, creating an empty table", zap.String("table", live))
		sourceTable = ""
	}

	source := t.Source
	if source == "" {
		source = sourceTable
	}

	var job *jobs.JobResult
	offline := false
	if source != "" {
		srcPath, exists, err := resolveSource(ctx, c, store.Join(env.ArchivePath, source), env.Version)
		if err != nil {
			return Outcome{}, err
		}
		if exists {
			result, unmounted, err := t.rebuild(ctx, env, spec, srcPath, target, tempPath)
			if err != nil {
				return Outcome{}, err
			}
			job = &result
			offline = unmounted
		} else {
			log.Warn("Source table is missing, creating an empty table",
				zap.String("source", srcPath), zap.String("table", target))
		}
	}

	if job == nil {
		if err := spec.CreateDynamic(ctx, log, c, tempPath); err != nil {
			return Outcome{}, err
		}
	}

	if spec.InMemory {
		if err := c.Set(ctx, tempPath, store.AttrInMemoryMode, "compressed"); err != nil {
			return Outcome{}, err
		}
	}
	if err := spec.AlterLive(ctx, log, c, tempPath, env.ShardCount, false); err != nil {
		return Outcome{}, err
	}

	return Outcome{Kind: NeedsSwap, Target: target, Temp: tempPath, Job: job, Spec: spec, Offline: offline}, nil
}

// resolveSource returns the table a rebuild at version reads from. When the
// backup of path at version exists, an earlier attempt of the same version
// already swapped path, and the backup holds the rows the version started
// from.
func resolveSource(ctx context.Context, c store.Client, path string, version int) (string, bool, error) {
	backup := BackupPath(path, version)
	ok, err := c.Exists(ctx, backup)
	if err != nil {
		return "", false, err
	}
	if ok {
		return backup, true, nil
	}
	ok, err = c.Exists(ctx, path)
	return path, ok, err
}

// rebuild copies srcPath through the mapper into a new table at tempPath.
// The source is unmounted for the copy. A source other than the rebuilt
// table itself is mounted again afterwards if it was mounted before. The
// returned flag reports that target was left unmounted.
func (t *TransformStep) rebuild(ctx context.Context, env StepEnv, spec *TableSpec, srcPath, target, tempPath string) (jobs.JobResult, bool, error) {
	c, log := env.Client, env.Logger

	if err := spec.Create(ctx, log, c, tempPath); err != nil {
		return jobs.JobResult{}, false, err
	}

	mapper := spec.DefaultMapper()
	if t.Mapper != nil {
		mapper = *t.Mapper
	}

	state, err := c.Get(ctx, srcPath, store.AttrTabletState)
	if err != nil {
		return jobs.JobResult{}, false, err
	}
	wasMounted := state == store.TabletMounted
	if wasMounted {
		if err := c.Unmount(ctx, srcPath); err != nil {
			return jobs.JobResult{}, false, err
		}
	}

	log.Info("Running mapper",
		zap.String("mapper", mapper.Name),
		zap.String("source", srcPath),
		zap.String("destination", tempPath))
	result, err := c.RunMap(ctx, jobs.MapSpec{
		Source:      srcPath,
		Destination: tempPath,
		Mapper:      mapper,
		Workers:     env.JobWorkers,
		BatchSize:   env.JobBatchSize,
	})
	if err != nil {
		return jobs.JobResult{}, false, err
	}

	if wasMounted && srcPath != target {
		if err := c.Mount(ctx, srcPath); err != nil {
			return jobs.JobResult{}, false, err
		}
	}

	if err := spec.ConvertToDynamic(ctx, log, c, tempPath); err != nil {
		return jobs.JobResult{}, false, err
	}
	if err := store.StampForcedCompaction(ctx, c, tempPath); err != nil {
		return jobs.JobResult{}, false, err
	}
	return result, wasMounted && srcPath == target, nil
}
