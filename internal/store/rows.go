package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/pkg/types"
)

type storedRow struct {
	ordinal int64
	row     types.Row
}

func encodeRow(row types.Row) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func decodeRow(payload []byte) (types.Row, error) {
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, err
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("row payload is not an object")
	}
	return types.Row(m), nil
}

func countRows(ctx context.Context, q querier, nodeID string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM rows WHERE node_id = ?", nodeID).Scan(&n)
	return n, err
}

// readStored returns up to limit rows with ordinal > after, in ordinal order.
// A negative limit reads everything.
func readStored(ctx context.Context, q querier, n *node, schema types.TableSchema, after int64, limit int) ([]storedRow, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT ordinal, payload FROM rows WHERE node_id = ? AND ordinal > ? ORDER BY ordinal LIMIT ?",
		n.id, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		var sr storedRow
		var payload []byte
		if err := rows.Scan(&sr.ordinal, &payload); err != nil {
			return nil, err
		}
		row, err := decodeRow(payload)
		if err != nil {
			return nil, fmt.Errorf("table %s row %d: %w", n.path, sr.ordinal, err)
		}
		if sr.row, err = types.CoerceRow(schema, row); err != nil {
			return nil, errSchema(n.path, err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// readAll returns every row of a table: static tables in write order,
// dynamic tables in key order.
func readAll(ctx context.Context, q querier, n *node, schema types.TableSchema) ([]types.Row, error) {
	stored, err := readStored(ctx, q, n, schema, -1, -1)
	if err != nil {
		return nil, err
	}
	out := make([]types.Row, len(stored))
	for i, sr := range stored {
		out[i] = sr.row
	}
	if n.dynamic() {
		types.SortRows(schema, out)
	}
	return out, nil
}

// writeRows coerces rows to schema, evaluates computed columns and stores
// them. With upsert a row replaces the stored row with the same key.
func writeRows(ctx context.Context, tx *sql.Tx, n *node, schema types.TableSchema, rows []types.Row, upsert bool) error {
	exprs, err := compileExpressions(schema)
	if err != nil {
		return errSchema(n.path, err)
	}
	keyCols := schema.KeyColumns()

	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(ordinal), -1) + 1 FROM rows WHERE node_id = ?", n.id).Scan(&next); err != nil {
		return err
	}

	for _, r := range rows {
		row, err := types.CoerceRow(schema, r)
		if err != nil {
			return errSchema(n.path, err)
		}
		if err := evaluate(exprs, row); err != nil {
			return errSchema(n.path, err)
		}
		key, err := types.EncodeCanonical(keyCols, row)
		if err != nil {
			return errSchema(n.path, err)
		}
		payload, err := encodeRow(row)
		if err != nil {
			return errSchema(n.path, err)
		}

		if upsert {
			res, err := tx.ExecContext(ctx,
				"UPDATE rows SET payload = ? WHERE node_id = ? AND row_key = ?", payload, n.id, string(key))
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err == nil && affected > 0 {
				continue
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rows (node_id, ordinal, row_key, payload) VALUES (?, ?, ?, ?)",
			n.id, next, string(key), payload); err != nil {
			return err
		}
		next++
	}
	return nil
}

// rewriteRows re-encodes every stored row under a new schema. Columns the
// new schema lacks are dropped.
func rewriteRows(ctx context.Context, tx *sql.Tx, n *node, next types.TableSchema, dynamic bool) error {
	current, err := n.schema()
	if err != nil {
		return errSchema(n.path, err)
	}
	stored, err := readStored(ctx, tx, n, current, -1, -1)
	if err != nil {
		return err
	}
	exprs, err := compileExpressions(next)
	if err != nil {
		return errSchema(n.path, err)
	}

	names := make([]string, 0, next.Len())
	for _, col := range next.Columns() {
		if _, ok := current.Column(col.Name); ok {
			names = append(names, col.Name)
		}
	}
	keyCols := next.KeyColumns()

	for _, sr := range stored {
		row, err := types.CoerceRow(next, sr.row.Project(names))
		if err != nil {
			return errSchema(n.path, err)
		}
		if err := evaluate(exprs, row); err != nil {
			return errSchema(n.path, err)
		}
		key, err := types.EncodeCanonical(keyCols, row)
		if err != nil {
			return errSchema(n.path, err)
		}
		payload, err := encodeRow(row)
		if err != nil {
			return errSchema(n.path, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE rows SET row_key = ?, payload = ? WHERE node_id = ? AND ordinal = ?",
			string(key), payload, n.id, sr.ordinal); err != nil {
			return err
		}
	}

	if dynamic {
		if err := checkUniqueRows(ctx, tx, n.id); err != nil {
			return errs.NewStoreError(errs.CodeDuplicateKey, fmt.Sprintf("alter %s", n.path), err)
		}
	}
	return nil
}

func checkUniqueRows(ctx context.Context, q querier, nodeID string) error {
	var key string
	err := q.QueryRowContext(ctx,
		"SELECT row_key FROM rows WHERE node_id = ? GROUP BY row_key HAVING COUNT(*) > 1 LIMIT 1", nodeID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("duplicate key %s", key)
}

// InsertRows writes rows into a table. Dynamic tables must be mounted and
// treat rows with an existing key as updates.
func (s *SQLiteStore) InsertRows(ctx context.Context, path string, rows []types.Row) error {
	return s.withTx(ctx, "insert rows into "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if n.dynamic() && !n.mounted() {
			return errInvalidState("cannot write to unmounted table %s", path)
		}
		schema, err := n.schema()
		if err != nil {
			return errSchema(path, err)
		}
		if err := writeRows(ctx, tx, n, schema, rows, n.dynamic()); err != nil {
			return err
		}
		return saveNode(ctx, tx, n)
	})
}

// SelectRows returns every row of a table. Dynamic tables must be mounted
// and are returned in key order.
func (s *SQLiteStore) SelectRows(ctx context.Context, path string) ([]types.Row, error) {
	n, err := getTable(ctx, s.db, path)
	if err != nil {
		return nil, unavailable("select "+path, err)
	}
	if n.dynamic() && !n.mounted() {
		return nil, errInvalidState("cannot read unmounted table %s", path)
	}
	schema, err := n.schema()
	if err != nil {
		return nil, errSchema(path, err)
	}
	rows, err := readAll(ctx, s.db, n, schema)
	if err != nil {
		return nil, unavailable("select "+path, err)
	}
	return rows, nil
}

// RowCount returns the number of rows stored in a table.
func (s *SQLiteStore) RowCount(ctx context.Context, path string) (int64, error) {
	n, err := getTable(ctx, s.db, path)
	if err != nil {
		return 0, unavailable("row count "+path, err)
	}
	count, err := countRows(ctx, s.db, n.id)
	if err != nil {
		return 0, unavailable("row count "+path, err)
	}
	return count, nil
}

// TableSchema returns the schema of a table.
func (s *SQLiteStore) TableSchema(ctx context.Context, path string) (types.TableSchema, error) {
	n, err := getTable(ctx, s.db, path)
	if err != nil {
		return types.TableSchema{}, unavailable("schema "+path, err)
	}
	schema, err := n.schema()
	if err != nil {
		return types.TableSchema{}, errSchema(path, err)
	}
	return schema, nil
}

// ScanRows reads a table in batches regardless of its tablet state, the way
// a bulk job reads it.
func (s *SQLiteStore) ScanRows(ctx context.Context, path string, batchSize int, fn func([]types.Row) error) error {
	if batchSize <= 0 {
		batchSize = jobs.DefaultBatchSize
	}
	n, err := getTable(ctx, s.db, path)
	if err != nil {
		return unavailable("scan "+path, err)
	}
	schema, err := n.schema()
	if err != nil {
		return errSchema(path, err)
	}

	if n.dynamic() {
		all, err := readAll(ctx, s.db, n, schema)
		if err != nil {
			return unavailable("scan "+path, err)
		}
		for lo := 0; lo < len(all); lo += batchSize {
			hi := lo + batchSize
			if hi > len(all) {
				hi = len(all)
			}
			if err := fn(all[lo:hi:hi]); err != nil {
				return err
			}
		}
		return nil
	}

	after := int64(-1)
	for {
		stored, err := readStored(ctx, s.db, n, schema, after, batchSize)
		if err != nil {
			return unavailable("scan "+path, err)
		}
		if len(stored) == 0 {
			return nil
		}
		batch := make([]types.Row, len(stored))
		for i, sr := range stored {
			batch[i] = sr.row
		}
		after = stored[len(stored)-1].ordinal
		if err := fn(batch); err != nil {
			return err
		}
	}
}

// WriteRows is the bulk write path of jobs. Unlike InsertRows it ignores the
// tablet state.
func (s *SQLiteStore) WriteRows(ctx context.Context, path string, rows []types.Row) error {
	return s.withTx(ctx, "write rows into "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		schema, err := n.schema()
		if err != nil {
			return errSchema(path, err)
		}
		if err := writeRows(ctx, tx, n, schema, rows, n.dynamic()); err != nil {
			return err
		}
		return saveNode(ctx, tx, n)
	})
}

// ReplaceRows stamps schema on a static table and replaces all of its rows.
func (s *SQLiteStore) ReplaceRows(ctx context.Context, path string, schema types.TableSchema, rows []types.Row) error {
	return s.withTx(ctx, "replace rows of "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if n.dynamic() {
			return errInvalidState("cannot replace rows of dynamic table %s", path)
		}
		if err := schema.Validate(); err != nil {
			return errSchema(path, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM rows WHERE node_id = ?", n.id); err != nil {
			return err
		}
		if err := writeRows(ctx, tx, n, schema, rows, false); err != nil {
			return err
		}
		v, err := normalizeValue(schema)
		if err != nil {
			return err
		}
		n.attrs[AttrSchema] = v
		return saveNode(ctx, tx, n)
	})
}

// RunMap runs a map job from one table into another.
func (s *SQLiteStore) RunMap(ctx context.Context, spec jobs.MapSpec) (jobs.JobResult, error) {
	for _, p := range []string{spec.Source, spec.Destination} {
		if _, err := getTable(ctx, s.db, p); err != nil {
			return jobs.JobResult{}, unavailable("map "+p, err)
		}
	}
	s.logger.Info("Running map job",
		zap.String("mapper", spec.Mapper.Name),
		zap.String("source", spec.Source),
		zap.String("destination", spec.Destination))

	result, err := s.runner.RunMap(ctx, spec)
	if err != nil {
		return jobs.JobResult{}, jobFailed("map "+spec.Source+" -> "+spec.Destination, err)
	}
	return result, nil
}

// RunSort runs a sort job.
func (s *SQLiteStore) RunSort(ctx context.Context, spec jobs.SortSpec) error {
	if err := s.runner.RunSort(ctx, spec); err != nil {
		return jobFailed("sort "+spec.Source, err)
	}
	return nil
}

func jobFailed(op string, err error) error {
	var me *errs.MigrationError
	if stderrors.As(err, &me) {
		return err
	}
	return errs.NewStoreError(errs.CodeJobFailed, op, err)
}

