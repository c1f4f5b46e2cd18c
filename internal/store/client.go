// Package store provides the table-store client used by the migration engine
// together with a SQLite-backed implementation of the store.
//
// The store is a tree of nodes addressed by slash separated paths such as
// "//sys/operations_archive/jobs". Every node carries a JSON attribute map.
// Table nodes additionally hold rows and a tablet state.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/pkg/types"
)

// NodeKind is the type of a store node.
type NodeKind string

const (
	KindMapNode          NodeKind = "map_node"
	KindTable            NodeKind = "table"
	KindAccount          NodeKind = "account"
	KindTabletCellBundle NodeKind = "tablet_cell_bundle"
)

// Tablet states of a table.
const (
	TabletMounted   = "mounted"
	TabletUnmounted = "unmounted"
)

// Well-known attribute names.
const (
	AttrSchema                   = "schema"
	AttrDynamic                  = "dynamic"
	AttrInMemoryMode             = "in_memory_mode"
	AttrTabletCellBundle         = "tablet_cell_bundle"
	AttrMaxDataTTL               = "max_data_ttl"
	AttrMinDataTTL               = "min_data_ttl"
	AttrMinDataVersions          = "min_data_versions"
	AttrMaxDataVersions          = "max_data_versions"
	AttrAutoCompactionPeriod     = "auto_compaction_period"
	AttrForcedCompactionRevision = "forced_compaction_revision"
	AttrAtomicity                = "atomicity"
	AttrAccount                  = "account"
	AttrRevision                 = "revision"
	AttrTabletState              = "tablet_state"
	AttrPivotKeys                = "pivot_keys"
	AttrTabletCount              = "tablet_count"
	AttrRowCount                 = "row_count"
	AttrType                     = "type"
	AttrID                       = "id"
	AttrVersion                  = "version"
	AttrResourceLimits           = "resource_limits"
)

// Roots of the administrative namespaces.
const (
	AccountsRoot          = "//sys/accounts"
	TabletCellBundlesRoot = "//sys/tablet_cell_bundles"
)

// CreateOptions controls node creation.
type CreateOptions struct {
	// Recursive creates missing parent map nodes.
	Recursive bool

	// IgnoreExisting turns creation of an existing node of the same kind into a no-op.
	IgnoreExisting bool

	Attributes map[string]interface{}
}

// AlterOptions changes the schema and/or the dynamic flag of a table.
// Nil fields are left untouched.
type AlterOptions struct {
	Schema  *types.TableSchema
	Dynamic *bool
}

// Client is the administrative surface of a table store. Every call blocks
// until the store has applied it.
type Client interface {
	Create(ctx context.Context, kind NodeKind, path string, opts CreateOptions) error
	Exists(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path, attr string) (interface{}, error)
	Attributes(ctx context.Context, path string) (map[string]interface{}, error)
	Set(ctx context.Context, path, attr string, value interface{}) error
	RemoveAttribute(ctx context.Context, path, attr string) error
	Move(ctx context.Context, src, dst string) error
	Remove(ctx context.Context, path string, recursive bool) error
	List(ctx context.Context, path string) ([]string, error)

	Mount(ctx context.Context, path string) error
	Unmount(ctx context.Context, path string) error
	Remount(ctx context.Context, path string) error
	Reshard(ctx context.Context, path string, pivots []types.Key) error
	Alter(ctx context.Context, path string, opts AlterOptions) error
	Revision(ctx context.Context, path string) (int64, error)

	RunSort(ctx context.Context, spec jobs.SortSpec) error
	RunMap(ctx context.Context, spec jobs.MapSpec) (jobs.JobResult, error)
}

// GetSchema reads and decodes the schema attribute of a table.
func GetSchema(ctx context.Context, c Client, path string) (types.TableSchema, error) {
	v, err := c.Get(ctx, path, AttrSchema)
	if err != nil {
		return types.TableSchema{}, err
	}
	return types.ParseSchema(v)
}

// StampForcedCompaction sets forced_compaction_revision to the current
// revision of the table, which asks the store to rewrite every chunk.
func StampForcedCompaction(ctx context.Context, c Client, path string) error {
	rev, err := c.Revision(ctx, path)
	if err != nil {
		return err
	}
	return c.Set(ctx, path, AttrForcedCompactionRevision, rev)
}

// Join appends child path segments to a base path.
func Join(base string, parts ...string) string {
	p := strings.TrimSuffix(base, "/")
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part == "" {
			continue
		}
		p += "/" + part
	}
	return p
}

// AccountPath returns the node path of an account.
func AccountPath(name string) string {
	return Join(AccountsRoot, name)
}

// BundlePath returns the node path of a tablet cell bundle.
func BundlePath(name string) string {
	return Join(TabletCellBundlesRoot, name)
}

// parentPath returns the parent of p, or "" for a top level node.
func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 1 {
		return ""
	}
	return p[:i]
}

// baseName returns the last segment of p.
func baseName(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// validatePath accepts absolute paths of the form //a/b/c.
func validatePath(p string) error {
	if !strings.HasPrefix(p, "//") || len(p) == 2 {
		return fmt.Errorf("path %q must start with // and name a node", p)
	}
	for _, seg := range strings.Split(p[2:], "/") {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", p)
		}
	}
	return nil
}
