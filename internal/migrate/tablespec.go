package migrate

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/internal/store"
	"github.com/arkilian/oparchive/pkg/types"
)

// TableSpec is the declared layout of an archive table at some version.
type TableSpec struct {
	Schema types.TableSchema

	// InMemory keeps the table compressed in memory.
	InMemory bool

	// Pivots, when set, reshards the table on every layout change.
	Pivots PivotFunc

	// Attributes are applied to the table after every layout change.
	Attributes map[string]interface{}
}

// NewTableSpec builds a spec from key and value columns.
func NewTableSpec(keys, values []types.Column) *TableSpec {
	return &TableSpec{Schema: types.NewTableSchema(keys, values)}
}

// WithInMemory marks the table as in-memory.
func (s *TableSpec) WithInMemory() *TableSpec {
	s.InMemory = true
	return s
}

// WithPivots sets the pivot strategy.
func (s *TableSpec) WithPivots(fn PivotFunc) *TableSpec {
	s.Pivots = fn
	return s
}

// WithAttributes sets extra table attributes.
func (s *TableSpec) WithAttributes(attrs map[string]interface{}) *TableSpec {
	s.Attributes = attrs
	return s
}

// DynamicSchema is the schema a dynamic table carries: Schema with unique keys.
func (s *TableSpec) DynamicSchema() types.TableSchema {
	return s.Schema.WithUniqueKeys(true)
}

// DefaultMapper projects rows onto the user columns of the spec.
func (s *TableSpec) DefaultMapper() types.Mapper {
	return types.ProjectionMapper(s.Schema.UserColumns())
}

func (s *TableSpec) attributeNames() []string {
	names := make([]string, 0, len(s.Attributes))
	for name := range s.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *TableSpec) applyAttributes(ctx context.Context, c store.Client, path string) error {
	for _, name := range s.attributeNames() {
		if err := c.Set(ctx, path, name, s.Attributes[name]); err != nil {
			return err
		}
	}
	return nil
}

// Create creates a static table with the spec's schema.
func (s *TableSpec) Create(ctx context.Context, logger *zap.Logger, c store.Client, path string) error {
	attrs := map[string]interface{}{}
	for name, v := range s.Attributes {
		attrs[name] = v
	}
	attrs[store.AttrSchema] = s.Schema
	attrs[store.AttrDynamic] = false

	logger.Info("Creating table", zap.String("path", path), zap.Stringer("schema", s.Schema))
	return c.Create(ctx, store.KindTable, path, store.CreateOptions{Recursive: true, Attributes: attrs})
}

// CreateDynamic creates an empty unmounted dynamic table.
func (s *TableSpec) CreateDynamic(ctx context.Context, logger *zap.Logger, c store.Client, path string) error {
	attrs := map[string]interface{}{}
	for name, v := range s.Attributes {
		attrs[name] = v
	}
	attrs[store.AttrSchema] = s.DynamicSchema()
	attrs[store.AttrDynamic] = true

	logger.Info("Creating dynamic table", zap.String("path", path), zap.Stringer("schema", s.Schema))
	return c.Create(ctx, store.KindTable, path, store.CreateOptions{Recursive: true, Attributes: attrs})
}

// ConvertToDynamic sorts a static table by its key columns, stamps unique
// keys on its schema and turns it into a dynamic table.
func (s *TableSpec) ConvertToDynamic(ctx context.Context, logger *zap.Logger, c store.Client, path string) error {
	logger.Info("Sorting table", zap.String("path", path), zap.Strings("sort_by", s.Schema.KeyColumns()))
	if err := c.RunSort(ctx, jobs.SortSpec{Source: path, Destination: path, Schema: s.DynamicSchema()}); err != nil {
		return err
	}

	logger.Info("Converting table to dynamic", zap.String("path", path))
	dynamic := true
	if err := c.Alter(ctx, path, store.AlterOptions{Dynamic: &dynamic}); err != nil {
		return err
	}
	return s.applyAttributes(ctx, c, path)
}

// AlterLive moves an existing dynamic table to the spec's layout: unmount,
// set the schema and attributes, reshard when the spec has pivots, stamp a
// forced compaction and, if mount is set, mount again.
func (s *TableSpec) AlterLive(ctx context.Context, logger *zap.Logger, c store.Client, path string, shardCount int, mount bool) error {
	logger.Info("Altering table", zap.String("path", path), zap.Stringer("schema", s.Schema))
	if err := c.Unmount(ctx, path); err != nil {
		return err
	}

	schema := s.DynamicSchema()
	if err := c.Alter(ctx, path, store.AlterOptions{Schema: &schema}); err != nil {
		return err
	}
	if err := s.applyAttributes(ctx, c, path); err != nil {
		return err
	}
	if s.Pivots != nil {
		if err := c.Reshard(ctx, path, s.Pivots(shardCount)); err != nil {
			return err
		}
	}
	if err := store.StampForcedCompaction(ctx, c, path); err != nil {
		return err
	}

	if !mount {
		return nil
	}
	return c.Mount(ctx, path)
}
