package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/oparchive/internal/store"
	"github.com/arkilian/oparchive/pkg/types"
)

func mountedTable(t *testing.T, s *store.SQLiteStore, name string) string {
	t.Helper()
	path := store.Join(testArchive, name)
	require.NoError(t, specV0().CreateDynamic(context.Background(), zapNop(), s, path))
	require.NoError(t, s.Mount(context.Background(), path))
	return path
}

func TestTTLPolicy_Attributes(t *testing.T) {
	week := TTLOneWeek("jobs")
	assert.Equal(t, map[string]interface{}{
		store.AttrMinDataVersions:      int64(0),
		store.AttrMaxDataTTL:           int64(7 * 24 * 3600 * 1000),
		store.AttrAutoCompactionPeriod: int64(24 * 3600 * 1000),
	}, week.Attributes())

	years := TTLTwoYears("ordered_by_id")
	assert.Equal(t, 2*365*24*time.Hour, years.MaxDataTTL)
	assert.Equal(t, 30*24*time.Hour, years.AutoCompactionPeriod)

	assert.Equal(t, map[string]interface{}{
		store.AttrMinDataVersions: int64(0),
		store.AttrMaxDataVersions: int64(1),
		store.AttrMinDataTTL:      int64(0),
	}, DisallowObsoleteRows("jobs").Attributes())
	assert.Equal(t, "disallow obsolete rows in jobs", DisallowObsoleteRows("jobs").Name())
}

func TestTTLPolicy_Apply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := mountedTable(t, s, "jobs")

	before, err := s.Revision(ctx, path)
	require.NoError(t, err)

	env := testEnv(t, s, 11)
	require.NoError(t, TTLOneWeek("jobs").Apply(ctx, env))
	// Applying again changes nothing but the revision.
	require.NoError(t, TTLOneWeek("jobs").Apply(ctx, env))

	attrs, err := s.Attributes(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(604800000), attrs[store.AttrMaxDataTTL])
	assert.Equal(t, int64(86400000), attrs[store.AttrAutoCompactionPeriod])
	assert.Equal(t, int64(0), attrs[store.AttrMinDataVersions])
	assert.Greater(t, attrs[store.AttrForcedCompactionRevision].(int64), before)
	assert.Equal(t, store.TabletMounted, attrs[store.AttrTabletState])
}

func TestAttributeSet_Apply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := mountedTable(t, s, "stderrs")

	require.NoError(t, SysBundle("stderrs").Apply(ctx, testEnv(t, s, 12)))

	bundle, err := s.Get(ctx, path, store.AttrTabletCellBundle)
	require.NoError(t, err)
	assert.Equal(t, "sys", bundle)
	assert.Equal(t, store.TabletMounted, tabletState(t, s, path))
	assert.Equal(t, "set tablet_cell_bundle on stderrs", SysBundle("stderrs").Name())
}

func TestAttributeRemoval_Apply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := mountedTable(t, s, "jobs")
	require.NoError(t, s.Set(ctx, path, "max_partition_data_size", 1024))

	action := PartitionSizeOptions("jobs")
	require.NoError(t, action.Apply(ctx, testEnv(t, s, 25)))
	require.NoError(t, action.Apply(ctx, testEnv(t, s, 25)))

	attrs, err := s.Attributes(ctx, path)
	require.NoError(t, err)
	assert.NotContains(t, attrs, "max_partition_data_size")
	assert.Contains(t, attrs, store.AttrForcedCompactionRevision)
}

func TestEnsureAccount_CopiesTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, store.KindAccount, store.AccountPath("sys"), store.CreateOptions{
		Recursive: true,
		Attributes: map[string]interface{}{
			store.AttrResourceLimits: map[string]interface{}{"node_count": 5000, "chunk_count": 100},
		},
	}))

	action := EnsureAccount{Account: "operations_archive", NodeLimit: 100, Template: "sys"}
	require.NoError(t, action.Apply(ctx, testEnv(t, s, 8)))
	require.NoError(t, action.Apply(ctx, testEnv(t, s, 8)))

	limits, err := s.Get(ctx, store.AccountPath("operations_archive"), store.AttrResourceLimits)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"node_count": int64(100), "chunk_count": int64(100)}, limits)
}

func TestEnsureAccount_NoTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, EnsureAccount{Account: "archive", NodeLimit: 10, Template: "sys"}.Apply(ctx, testEnv(t, s, 8)))

	limits, err := s.Get(ctx, store.AccountPath("archive"), store.AttrResourceLimits)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"node_count": int64(10)}, limits)
}

func TestAccountAssignment_Apply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := mountedTable(t, s, "jobs")
	parked := store.Join(testArchive, "jobs.bak.3")
	require.NoError(t, specV0().CreateDynamic(ctx, zapNop(), s, parked))

	require.NoError(t, AccountAssignment{Account: "operations_archive"}.Apply(ctx, testEnv(t, s, 8)))

	for _, path := range []string{testArchive, live, parked} {
		account, err := s.Get(ctx, path, store.AttrAccount)
		require.NoError(t, err)
		assert.Equal(t, "operations_archive", account, path)
	}
	assert.Equal(t, store.TabletMounted, tabletState(t, s, live))
	assert.Equal(t, store.TabletUnmounted, tabletState(t, s, parked))
}

func TestEnsureBundle_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, EnsureBundle{Bundle: "sys", TabletCellCount: 3}.Apply(ctx, testEnv(t, s, 12)))
	require.NoError(t, s.Set(ctx, store.BundlePath("sys"), "tablet_cell_count", 5))
	require.NoError(t, EnsureBundle{Bundle: "sys", TabletCellCount: 3}.Apply(ctx, testEnv(t, s, 12)))

	cells, err := s.Get(ctx, store.BundlePath("sys"), "tablet_cell_count")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cells)
}

func TestFixedPivotReshard_Apply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := mountedTable(t, s, "jobs")
	require.NoError(t, EnsureBundle{Bundle: "sys", TabletCellCount: 2}.Apply(ctx, testEnv(t, s, 25)))

	action := FixedPivotReshard{Table: "jobs", PerCellFactor: 5, Bundle: "sys"}
	require.NoError(t, action.Apply(ctx, testEnv(t, s, 25)))

	attrs, err := s.Attributes(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), attrs[store.AttrTabletCount])
	assert.Equal(t, true, attrs["disable_tablet_balancer"])
	assert.Equal(t, store.TabletMounted, attrs[store.AttrTabletState])
}

func TestFixedPivotReshard_MissingBundle(t *testing.T) {
	s := newTestStore(t)
	mountedTable(t, s, "jobs")

	err := FixedPivotReshard{Table: "jobs", PerCellFactor: 5, Bundle: "sys"}.Apply(context.Background(), testEnv(t, s, 25))
	assert.Error(t, err)
}

func TestTableSpec_ConvertToDynamic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := store.Join(testArchive, "t")

	spec := specV0().WithAttributes(map[string]interface{}{store.AttrAtomicity: "none"})
	require.NoError(t, spec.Create(ctx, zapNop(), s, path))
	require.NoError(t, s.WriteRows(ctx, path, []types.Row{
		{"id": uint64(9), "state": "b"},
		{"id": uint64(3), "state": "a"},
	}))
	require.NoError(t, spec.ConvertToDynamic(ctx, zapNop(), s, path))

	schema, err := store.GetSchema(ctx, s, path)
	require.NoError(t, err)
	assert.True(t, schema.UniqueKeys())

	dynamic, err := s.Get(ctx, path, store.AttrDynamic)
	require.NoError(t, err)
	assert.Equal(t, true, dynamic)

	atomicity, err := s.Get(ctx, path, store.AttrAtomicity)
	require.NoError(t, err)
	assert.Equal(t, "none", atomicity)

	require.NoError(t, s.Mount(ctx, path))
	rows, err := s.SelectRows(ctx, path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(3), rows[0]["id"])
}
