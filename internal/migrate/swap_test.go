package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/oparchive/internal/store"
)

func buildTemp(t *testing.T, s *store.SQLiteStore, path string, spec *TableSpec) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, spec.CreateDynamic(ctx, zapNop(), s, path))
}

func TestSwap_NewTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	target := testArchive + "/t"
	buildTemp(t, s, target+".tmp.0", specV0())

	backup, err := Swap(ctx, s, zapNop(), SwapRecord{Target: target, Temp: target + ".tmp.0", Version: 0})
	require.NoError(t, err)
	assert.Empty(t, backup)

	assert.True(t, exists(t, s, target))
	assert.False(t, exists(t, s, target+".tmp.0"))
	assert.False(t, exists(t, s, BackupPath(target, 0)))
	assert.Equal(t, store.TabletMounted, tabletState(t, s, target))
}

func TestSwap_ReplacesAndKeepsBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	target := testArchive + "/t"

	buildTemp(t, s, target, specV0())
	require.NoError(t, s.Mount(ctx, target))
	seedRows(t, s, target, 2)

	temp := TempPath(testArchive, "t", 3)
	buildTemp(t, s, temp, specV1())

	backup, err := Swap(ctx, s, zapNop(), SwapRecord{Target: target, Temp: temp, Version: 3})
	require.NoError(t, err)
	assert.Equal(t, target+".bak.3", backup)

	assert.Equal(t, []string{"id", "state", "extra"}, columnNames(t, s, target))
	assert.Equal(t, []string{"id", "state"}, columnNames(t, s, backup))

	n, err := s.RowCount(ctx, backup)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.RowCount(ctx, target)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSwap_ReplayDropsEarlierAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	target := testArchive + "/t"

	buildTemp(t, s, BackupPath(target, 1), specV0())
	buildTemp(t, s, target, specV1())
	buildTemp(t, s, TempPath(testArchive, "t", 1), specV1())

	backup, err := Swap(ctx, s, zapNop(), SwapRecord{Target: target, Temp: TempPath(testArchive, "t", 1), Version: 1})
	require.NoError(t, err)
	assert.Equal(t, BackupPath(target, 1), backup)
	assert.Equal(t, []string{"id", "state"}, columnNames(t, s, backup))
	assert.Equal(t, []string{"id", "state", "extra"}, columnNames(t, s, target))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "//sys/operations_archive/jobs.tmp.7", TempPath("//sys/operations_archive", "jobs", 7))
	assert.Equal(t, "//sys/operations_archive/jobs.bak.7", BackupPath("//sys/operations_archive/jobs", 7))
}
