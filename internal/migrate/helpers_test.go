package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/internal/storage"
	"github.com/arkilian/oparchive/internal/store"
	"github.com/arkilian/oparchive/pkg/types"
)

const testArchive = "//sys/operations_archive"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	staging, err := storage.NewLocalStorage(filepath.Join(dir, "staging"))
	require.NoError(t, err)
	s, err := store.Open(store.Config{
		Path:    filepath.Join(dir, "store.db"),
		Staging: staging,
		Jobs:    jobs.Options{Workers: 2, BatchSize: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, c store.Client, r *Registry, force bool) *Engine {
	t.Helper()
	return NewEngine(zaptest.NewLogger(t), c, r, Config{
		ArchivePath: testArchive,
		ShardCount:  4,
		Force:       force,
		Verify:      true,
	})
}

func testEnv(t *testing.T, c store.Client, v int) StepEnv {
	return StepEnv{
		Client:      c,
		Logger:      zaptest.NewLogger(t),
		ArchivePath: testArchive,
		ShardCount:  4,
		Version:     v,
	}
}

func specV0() *TableSpec {
	return NewTableSpec(
		[]types.Column{types.KeyColumn("id", types.TypeUint64)},
		[]types.Column{types.ValueColumn("state", types.TypeString)},
	)
}

func specV1() *TableSpec {
	return NewTableSpec(
		[]types.Column{types.KeyColumn("id", types.TypeUint64)},
		[]types.Column{
			types.ValueColumn("state", types.TypeString),
			types.ValueColumn("extra", types.TypeString),
		},
	)
}

func columnNames(t *testing.T, c store.Client, path string) []string {
	t.Helper()
	schema, err := store.GetSchema(context.Background(), c, path)
	require.NoError(t, err)
	var names []string
	for _, col := range schema.Columns() {
		names = append(names, col.Name)
	}
	return names
}

func seedRows(t *testing.T, s *store.SQLiteStore, path string, n int) {
	t.Helper()
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Row{"id": uint64(i + 1), "state": "completed"}
	}
	require.NoError(t, s.InsertRows(context.Background(), path, rows))
}

func exists(t *testing.T, c store.Client, path string) bool {
	t.Helper()
	ok, err := c.Exists(context.Background(), path)
	require.NoError(t, err)
	return ok
}

func tabletState(t *testing.T, c store.Client, path string) interface{} {
	t.Helper()
	v, err := c.Get(context.Background(), path, store.AttrTabletState)
	require.NoError(t, err)
	return v
}

func zapNop() *zap.Logger {
	return zap.NewNop()
}
