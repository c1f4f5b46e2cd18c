package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/internal/store"
)

// Action is a version-bound administrative operation. Actions must be safe
// to re-run: they set absolute values and check for existence first.
type Action interface {
	Name() string
	Apply(ctx context.Context, env StepEnv) error
}

func millis(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}

// TTLPolicy sets the data retention of a table and forces a compaction so
// existing chunks honor it.
type TTLPolicy struct {
	Table string

	// MaxDataTTL and AutoCompactionPeriod are left unchanged when zero.
	MaxDataTTL           time.Duration
	AutoCompactionPeriod time.Duration

	// DropStaleRows keeps a single version of a row and drops it as soon as
	// it is overwritten.
	DropStaleRows bool
}

// TTLOneWeek keeps a week of data and compacts daily.
func TTLOneWeek(table string) TTLPolicy {
	return TTLPolicy{Table: table, MaxDataTTL: 7 * 24 * time.Hour, AutoCompactionPeriod: 24 * time.Hour}
}

// TTLTwoYears keeps two years of data and compacts monthly.
func TTLTwoYears(table string) TTLPolicy {
	return TTLPolicy{Table: table, MaxDataTTL: 2 * 365 * 24 * time.Hour, AutoCompactionPeriod: 30 * 24 * time.Hour}
}

// DisallowObsoleteRows drops overwritten row versions of a table.
func DisallowObsoleteRows(table string) TTLPolicy {
	return TTLPolicy{Table: table, DropStaleRows: true}
}

// Name describes the policy for plans and logs.
func (p TTLPolicy) Name() string {
	switch {
	case p.DropStaleRows && p.MaxDataTTL == 0:
		return fmt.Sprintf("disallow obsolete rows in %s", p.Table)
	case p.MaxDataTTL != 0:
		return fmt.Sprintf("set %s ttl to %s", p.Table, p.MaxDataTTL)
	default:
		return fmt.Sprintf("set %s ttl", p.Table)
	}
}

// Attributes returns the attribute values the policy writes.
func (p TTLPolicy) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{store.AttrMinDataVersions: int64(0)}
	if p.MaxDataTTL != 0 {
		attrs[store.AttrMaxDataTTL] = millis(p.MaxDataTTL)
	}
	if p.AutoCompactionPeriod != 0 {
		attrs[store.AttrAutoCompactionPeriod] = millis(p.AutoCompactionPeriod)
	}
	if p.DropStaleRows {
		attrs[store.AttrMaxDataVersions] = int64(1)
		attrs[store.AttrMinDataTTL] = int64(0)
	}
	return attrs
}

// Apply sets the TTL attributes, schedules a compaction and remounts the table.
func (p TTLPolicy) Apply(ctx context.Context, env StepEnv) error {
	path := store.Join(env.ArchivePath, p.Table)
	env.Logger.Info("Setting table TTL", zap.String("path", path), zap.Any("attributes", p.Attributes()))
	if err := setAll(ctx, env.Client, path, p.Attributes()); err != nil {
		return err
	}
	if err := store.StampForcedCompaction(ctx, env.Client, path); err != nil {
		return err
	}
	return env.Client.Remount(ctx, path)
}

// AttributeSet writes attributes to an unmounted table and mounts it again.
type AttributeSet struct {
	Table      string
	Attributes map[string]interface{}
}

// SysBundle places a table on the "sys" tablet cell bundle.
func SysBundle(table string) AttributeSet {
	return AttributeSet{Table: table, Attributes: map[string]interface{}{store.AttrTabletCellBundle: "sys"}}
}

// Name lists the attributes set and the table.
func (a AttributeSet) Name() string {
	return fmt.Sprintf("set %s on %s", strings.Join(sortedKeys(a.Attributes), ", "), a.Table)
}

// Apply sets the attributes while the table is unmounted.
func (a AttributeSet) Apply(ctx context.Context, env StepEnv) error {
	path := store.Join(env.ArchivePath, a.Table)
	if err := env.Client.Unmount(ctx, path); err != nil {
		return err
	}
	env.Logger.Info("Adding attributes", zap.String("path", path), zap.Any("attributes", a.Attributes))
	if err := setAll(ctx, env.Client, path, a.Attributes); err != nil {
		return err
	}
	return env.Client.Mount(ctx, path)
}

// AttributeRemoval removes attributes from a table and forces a compaction.
type AttributeRemoval struct {
	Table      string
	Attributes []string
}

// PartitionSizeOptions removes the per-table partition size overrides.
func PartitionSizeOptions(table string) AttributeRemoval {
	return AttributeRemoval{Table: table, Attributes: []string{
		"min_partition_data_size",
		"desired_partition_data_size",
		"max_partition_data_size",
	}}
}

// Name lists the attributes removed and the table.
func (a AttributeRemoval) Name() string {
	return fmt.Sprintf("remove %s from %s", strings.Join(a.Attributes, ", "), a.Table)
}

// Apply removes the attributes and remounts the table.
func (a AttributeRemoval) Apply(ctx context.Context, env StepEnv) error {
	path := store.Join(env.ArchivePath, a.Table)
	env.Logger.Info("Removing attributes", zap.String("path", path), zap.Strings("attributes", a.Attributes))
	for _, attr := range a.Attributes {
		if err := env.Client.RemoveAttribute(ctx, path, attr); err != nil {
			return err
		}
	}
	if err := store.StampForcedCompaction(ctx, env.Client, path); err != nil {
		return err
	}
	return env.Client.Remount(ctx, path)
}

// EnsureBundle creates a tablet cell bundle unless it exists.
type EnsureBundle struct {
	Bundle          string
	TabletCellCount int64
}

// Name names the bundle.
func (b EnsureBundle) Name() string {
	return fmt.Sprintf("ensure tablet cell bundle %s", b.Bundle)
}

// Apply creates the bundle unless it exists.
func (b EnsureBundle) Apply(ctx context.Context, env StepEnv) error {
	path := store.BundlePath(b.Bundle)
	exists, err := env.Client.Exists(ctx, path)
	if err != nil || exists {
		return err
	}
	cells := b.TabletCellCount
	if cells < 1 {
		cells = 1
	}
	env.Logger.Info("Creating tablet cell bundle", zap.String("bundle", b.Bundle))
	return env.Client.Create(ctx, store.KindTabletCellBundle, path, store.CreateOptions{
		Recursive: true,
		Attributes: map[string]interface{}{
			"name":              b.Bundle,
			"tablet_cell_count": cells,
		},
	})
}

// EnsureAccount creates an account unless it exists and sets its node limit.
// Other resource limits are copied from the Template account when it exists.
type EnsureAccount struct {
	Account   string
	NodeLimit int64
	Template  string
}

// Name names the account.
func (a EnsureAccount) Name() string {
	return fmt.Sprintf("ensure account %s", a.Account)
}

// Apply creates the account unless it exists and sets its limits.
func (a EnsureAccount) Apply(ctx context.Context, env StepEnv) error {
	c := env.Client
	path := store.AccountPath(a.Account)

	exists, err := c.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		env.Logger.Info("Creating account", zap.String("account", a.Account))
		if err := c.Create(ctx, store.KindAccount, path, store.CreateOptions{
			Recursive:  true,
			Attributes: map[string]interface{}{"name": a.Account},
		}); err != nil {
			return err
		}
	}

	limits := map[string]interface{}{}
	if a.Template != "" {
		tmpl := store.AccountPath(a.Template)
		ok, err := c.Exists(ctx, tmpl)
		if err != nil {
			return err
		}
		if ok {
			attrs, err := c.Attributes(ctx, tmpl)
			if err != nil {
				return err
			}
			if m, ok := attrs[store.AttrResourceLimits].(map[string]interface{}); ok {
				for k, v := range m {
					limits[k] = v
				}
			}
		}
	}
	limits["node_count"] = a.NodeLimit

	env.Logger.Info("Setting account limits", zap.String("account", a.Account), zap.Any("limits", limits))
	return c.Set(ctx, path, store.AttrResourceLimits, limits)
}

// AccountAssignment moves every node of the archive to an account. Dynamic
// tables are unmounted while their account changes.
type AccountAssignment struct {
	Account string
}

// Name names the account nodes are moved to.
func (a AccountAssignment) Name() string {
	return fmt.Sprintf("assign archive to account %s", a.Account)
}

// Apply assigns every node under the archive to the account.
func (a AccountAssignment) Apply(ctx context.Context, env StepEnv) error {
	c := env.Client
	paths, err := walk(ctx, c, env.ArchivePath)
	if err != nil {
		return err
	}
	for _, path := range paths {
		attrs, err := c.Attributes(ctx, path)
		if err != nil {
			return err
		}
		if account, _ := attrs[store.AttrAccount].(string); account == a.Account {
			continue
		}
		dynamic, _ := attrs[store.AttrDynamic].(bool)
		dynamic = dynamic && attrs[store.AttrType] == string(store.KindTable)
		mounted := attrs[store.AttrTabletState] == store.TabletMounted

		if dynamic {
			if err := c.Unmount(ctx, path); err != nil {
				return err
			}
		}
		if err := c.Set(ctx, path, store.AttrAccount, a.Account); err != nil {
			return err
		}
		if dynamic && mounted {
			if err := c.Mount(ctx, path); err != nil {
				return err
			}
		}
	}
	env.Logger.Info("Assigned archive account", zap.String("account", a.Account), zap.Int("nodes", len(paths)))
	return nil
}

// walk returns root and every node below it, parents first.
func walk(ctx context.Context, c store.Client, root string) ([]string, error) {
	out := []string{root}
	for i := 0; i < len(out); i++ {
		typ, err := c.Get(ctx, out[i], store.AttrType)
		if err != nil {
			return nil, err
		}
		if typ != string(store.KindMapNode) {
			continue
		}
		children, err := c.List(ctx, out[i])
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			out = append(out, store.Join(out[i], child))
		}
	}
	return out, nil
}

// FixedPivotReshard reshards a table into PerCellFactor tablets per cell of
// Bundle and disables the tablet balancer so the layout stays fixed.
type FixedPivotReshard struct {
	Table         string
	PerCellFactor int
	Bundle        string
}

// Name names the table and the bundle its tablet count follows.
func (r FixedPivotReshard) Name() string {
	return fmt.Sprintf("reshard %s to %d tablets per %s cell", r.Table, r.PerCellFactor, r.Bundle)
}

// Apply reshards the table to PerCellFactor tablets per bundle cell.
func (r FixedPivotReshard) Apply(ctx context.Context, env StepEnv) error {
	c := env.Client
	path := store.Join(env.ArchivePath, r.Table)

	v, err := c.Get(ctx, store.BundlePath(r.Bundle), "tablet_cell_count")
	if err != nil {
		return err
	}
	cells, ok := v.(int64)
	if !ok || cells < 1 {
		return errs.NewStoreError(errs.CodeInvalidState,
			fmt.Sprintf("bundle %s has no usable tablet_cell_count (%v)", r.Bundle, v), nil)
	}
	shards := r.PerCellFactor * int(cells)

	env.Logger.Info("Resharding with fixed pivots", zap.String("path", path), zap.Int("tablet_count", shards))
	if err := c.Set(ctx, path, "disable_tablet_balancer", true); err != nil {
		return err
	}
	if err := c.Unmount(ctx, path); err != nil {
		return err
	}
	if err := c.Reshard(ctx, path, DefaultPivots(shards)); err != nil {
		return err
	}
	if err := store.StampForcedCompaction(ctx, c, path); err != nil {
		return err
	}
	return c.Mount(ctx, path)
}

// ActionFunc adapts a function to an Action.
type ActionFunc struct {
	Label string
	Fn    func(ctx context.Context, env StepEnv) error
}

// Name returns Label.
func (f ActionFunc) Name() string {
	return f.Label
}

// Apply calls Fn.
func (f ActionFunc) Apply(ctx context.Context, env StepEnv) error {
	return f.Fn(ctx, env)
}

func setAll(ctx context.Context, c store.Client, path string, attrs map[string]interface{}) error {
	for _, name := range sortedKeys(attrs) {
		if err := c.Set(ctx, path, name, attrs[name]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
