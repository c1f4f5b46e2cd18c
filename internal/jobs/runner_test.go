package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/oparchive/internal/storage"
	"github.com/arkilian/oparchive/pkg/types"
)

type memTable struct {
	schema types.TableSchema
	rows   []types.Row
}

// memIO is an in-memory TableIO. Every table behaves as a static table.
type memIO struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

func newMemIO() *memIO {
	return &memIO{tables: make(map[string]*memTable)}
}

func (m *memIO) add(path string, schema types.TableSchema, rows ...types.Row) {
	m.tables[path] = &memTable{schema: schema, rows: rows}
}

func (m *memIO) table(path string) (*memTable, error) {
	t, ok := m.tables[path]
	if !ok {
		return nil, fmt.Errorf("no table %s", path)
	}
	return t, nil
}

func (m *memIO) TableSchema(_ context.Context, path string) (types.TableSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(path)
	if err != nil {
		return types.TableSchema{}, err
	}
	return t.schema, nil
}

func (m *memIO) ScanRows(ctx context.Context, path string, batchSize int, fn func([]types.Row) error) error {
	m.mu.Lock()
	t, err := m.table(path)
	var rows []types.Row
	if err == nil {
		rows = append(rows, t.rows...)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for lo := 0; lo < len(rows); lo += batchSize {
		hi := lo + batchSize
		if hi > len(rows) {
			hi = len(rows)
		}
		batch := make([]types.Row, hi-lo)
		copy(batch, rows[lo:hi])
		if err := fn(batch); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *memIO) WriteRows(_ context.Context, path string, rows []types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(path)
	if err != nil {
		return err
	}
	t.rows = append(t.rows, rows...)
	return nil
}

func (m *memIO) ReplaceRows(_ context.Context, path string, schema types.TableSchema, rows []types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(path)
	if err != nil {
		return err
	}
	t.schema = schema
	t.rows = rows
	return nil
}

func jobSchema() types.TableSchema {
	return types.NewTableSchema(
		[]types.Column{types.KeyColumn("id", types.TypeUint64)},
		[]types.Column{types.ValueColumn("state", types.TypeString)},
	)
}

func extendedSchema() types.TableSchema {
	return types.NewTableSchema(
		[]types.Column{types.KeyColumn("id", types.TypeUint64)},
		[]types.Column{types.ValueColumn("state", types.TypeString), types.ValueColumn("extra", types.TypeString)},
	)
}

func newTestRunner(t *testing.T, io TableIO) (*Runner, *storage.LocalStorage) {
	t.Helper()
	staging, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewRunner(io, staging, Options{Workers: 3, BatchSize: 4}, nil), staging
}

func seedRows(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Row{"id": uint64(i), "state": fmt.Sprintf("state-%d", i%3)}
	}
	return rows
}

func TestRunMap_DefaultMapper(t *testing.T) {
	io := newMemIO()
	io.add("src", jobSchema(), seedRows(25)...)
	io.add("dst", extendedSchema())

	runner, staging := newTestRunner(t, io)
	ctx := context.Background()

	result, err := runner.RunMap(ctx, MapSpec{
		Source:      "src",
		Destination: "dst",
		Mapper:      types.ProjectionMapper(extendedSchema().UserColumns()),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, int64(25), result.InputRows)
	assert.Equal(t, int64(25), result.OutputRows)

	dst := io.tables["dst"]
	require.Len(t, dst.rows, 25)
	// Chunks are loaded in batch order, so the static destination keeps source order.
	for i, row := range dst.rows {
		assert.Equal(t, uint64(i), row["id"])
		assert.Nil(t, row["extra"])
	}

	sum, err := Checksum(extendedSchema(), dst.rows)
	require.NoError(t, err)
	assert.Equal(t, sum, result.Checksum)

	left, err := staging.ListObjects(ctx, ChunkPrefix(result.JobID))
	require.NoError(t, err)
	assert.Empty(t, left, "staged chunks should be removed")
}

func TestRunMap_FanOutAndFilter(t *testing.T) {
	io := newMemIO()
	io.add("src", jobSchema(), seedRows(10)...)
	io.add("dst", jobSchema())

	runner, _ := newTestRunner(t, io)

	mapper := types.Mapper{
		Name: "even_twice",
		Map: func(r types.Row) ([]types.Row, error) {
			id := r["id"].(uint64)
			if id%2 == 1 {
				return nil, nil
			}
			dup := r.Clone()
			dup["id"] = id + 1000
			return []types.Row{r, dup}, nil
		},
	}

	result, err := runner.RunMap(context.Background(), MapSpec{Source: "src", Destination: "dst", Mapper: mapper})
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.InputRows)
	assert.Equal(t, int64(10), result.OutputRows)
	assert.Len(t, io.tables["dst"].rows, 10)
}

func TestRunMap_MapperErrorCleansUp(t *testing.T) {
	io := newMemIO()
	io.add("src", jobSchema(), seedRows(40)...)
	io.add("dst", jobSchema())

	runner, staging := newTestRunner(t, io)
	ctx := context.Background()

	mapper := types.Mapper{
		Name: "broken",
		Map: func(r types.Row) ([]types.Row, error) {
			if r["id"].(uint64) == 17 {
				return nil, fmt.Errorf("bad row")
			}
			return []types.Row{r}, nil
		},
	}

	_, err := runner.RunMap(ctx, MapSpec{Source: "src", Destination: "dst", Mapper: mapper})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad row")
	assert.Empty(t, io.tables["dst"].rows)

	left, err := staging.ListObjects(ctx, "jobs")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunMap_RejectsUnknownColumn(t *testing.T) {
	io := newMemIO()
	io.add("src", extendedSchema(), types.Row{"id": uint64(1), "state": "a", "extra": "x"})
	io.add("dst", jobSchema())

	runner, _ := newTestRunner(t, io)
	_, err := runner.RunMap(context.Background(), MapSpec{Source: "src", Destination: "dst", Mapper: types.IdentityMapper})
	assert.Error(t, err)
}

func TestRunMap_EmptySource(t *testing.T) {
	io := newMemIO()
	io.add("src", jobSchema())
	io.add("dst", jobSchema())

	runner, _ := newTestRunner(t, io)
	result, err := runner.RunMap(context.Background(), MapSpec{Source: "src", Destination: "dst", Mapper: types.IdentityMapper})
	require.NoError(t, err)
	assert.Zero(t, result.InputRows)
	assert.Zero(t, result.OutputRows)

	empty, err := Checksum(jobSchema(), nil)
	require.NoError(t, err)
	assert.Equal(t, empty, result.Checksum)
}

func TestRunSort(t *testing.T) {
	io := newMemIO()
	io.add("t", jobSchema(),
		types.Row{"id": uint64(3), "state": "c"},
		types.Row{"id": uint64(1), "state": "a"},
		types.Row{"id": uint64(2), "state": "b"},
	)

	runner, _ := newTestRunner(t, io)
	schema := jobSchema().WithUniqueKeys(true)
	require.NoError(t, runner.RunSort(context.Background(), SortSpec{Source: "t", Destination: "t", Schema: schema}))

	tbl := io.tables["t"]
	assert.True(t, tbl.schema.UniqueKeys())
	require.Len(t, tbl.rows, 3)
	assert.Equal(t, []interface{}{"a", "b", "c"}, []interface{}{tbl.rows[0]["state"], tbl.rows[1]["state"], tbl.rows[2]["state"]})
}

func TestRunSort_DuplicateKeys(t *testing.T) {
	io := newMemIO()
	io.add("t", jobSchema(),
		types.Row{"id": uint64(1), "state": "a"},
		types.Row{"id": uint64(1), "state": "b"},
	)

	runner, _ := newTestRunner(t, io)

	err := runner.RunSort(context.Background(), SortSpec{Source: "t", Destination: "t", Schema: jobSchema().WithUniqueKeys(true)})
	assert.Error(t, err)

	// Without unique keys duplicates are kept.
	require.NoError(t, runner.RunSort(context.Background(), SortSpec{Source: "t", Destination: "t", Schema: jobSchema()}))
	assert.Len(t, io.tables["t"].rows, 2)
}

func TestChecksum_OrderIndependent(t *testing.T) {
	rows := seedRows(6)
	reversed := make([]types.Row, len(rows))
	for i := range rows {
		reversed[len(rows)-1-i] = rows[i]
	}

	a, err := Checksum(jobSchema(), rows)
	require.NoError(t, err)
	b, err := Checksum(jobSchema(), reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	rows[0] = types.Row{"id": uint64(0), "state": "changed"}
	c, err := Checksum(jobSchema(), rows)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
