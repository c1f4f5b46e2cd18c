package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/pkg/types"
)

// Mount brings the tablets of a dynamic table online. Mounting a mounted table is a no-op.
func (s *SQLiteStore) Mount(ctx context.Context, path string) error {
	changed := false
	err := s.withTx(ctx, "mount "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if !n.dynamic() {
			return errInvalidState("cannot mount static table %s", path)
		}
		if n.mounted() {
			return nil
		}
		n.tabletState = TabletMounted
		changed = true
		return saveNode(ctx, tx, n)
	})
	if err == nil && changed {
		s.logger.Info("Mounted table", zap.String("path", path))
	}
	return err
}

// Unmount takes the tablets of a dynamic table offline. Unmounting an
// unmounted table is a no-op.
func (s *SQLiteStore) Unmount(ctx context.Context, path string) error {
	changed := false
	err := s.withTx(ctx, "unmount "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if !n.dynamic() {
			return errInvalidState("cannot unmount static table %s", path)
		}
		if !n.mounted() {
			return nil
		}
		n.tabletState = TabletUnmounted
		changed = true
		return saveNode(ctx, tx, n)
	})
	if err == nil && changed {
		s.logger.Info("Unmounted table", zap.String("path", path))
	}
	return err
}

// Remount makes a mounted table pick up attribute changes.
func (s *SQLiteStore) Remount(ctx context.Context, path string) error {
	err := s.withTx(ctx, "remount "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if !n.mounted() {
			return errInvalidState("cannot remount table %s: not mounted", path)
		}
		return saveNode(ctx, tx, n)
	})
	if err == nil {
		s.logger.Info("Remounted table", zap.String("path", path))
	}
	return err
}

// Reshard replaces the tablet layout of an unmounted dynamic table. The first
// pivot must be the empty key and pivots must be strictly increasing.
func (s *SQLiteStore) Reshard(ctx context.Context, path string, pivots []types.Key) error {
	err := s.withTx(ctx, "reshard "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if !n.dynamic() {
			return errInvalidState("cannot reshard static table %s", path)
		}
		if n.mounted() {
			return errInvalidState("cannot reshard mounted table %s", path)
		}
		schema, err := n.schema()
		if err != nil {
			return errSchema(path, err)
		}
		if err := checkPivots(schema, pivots); err != nil {
			return errs.NewValidationError(errs.CodeInvalidArgument, fmt.Sprintf("reshard %s: %v", path, err))
		}
		v, err := normalizeValue(pivots)
		if err != nil {
			return err
		}
		n.attrs[AttrPivotKeys] = v
		n.attrs[AttrTabletCount] = int64(len(pivots))
		return saveNode(ctx, tx, n)
	})
	if err == nil {
		s.logger.Info("Resharded table", zap.String("path", path), zap.Int("tablet_count", len(pivots)))
	}
	return err
}

func checkPivots(schema types.TableSchema, pivots []types.Key) error {
	if len(pivots) == 0 {
		return fmt.Errorf("no pivot keys")
	}
	if len(pivots[0]) != 0 {
		return fmt.Errorf("first pivot key must be empty")
	}
	keyCount := len(schema.KeyColumns())
	for i, p := range pivots {
		if len(p) > keyCount {
			return fmt.Errorf("pivot %d has %d values, table has %d key columns", i, len(p), keyCount)
		}
		if i > 0 && types.CompareKeys(pivots[i-1], p) >= 0 {
			return fmt.Errorf("pivot %d is not greater than pivot %d", i, i-1)
		}
	}
	return nil
}

// Alter changes the schema and/or the dynamic flag of an unmounted table.
// Existing rows are rewritten under the new schema. A dynamic table may only
// gain key columns at the end of its key.
func (s *SQLiteStore) Alter(ctx context.Context, path string, opts AlterOptions) error {
	err := s.withTx(ctx, "alter "+path, func(tx *sql.Tx) error {
		n, err := getTable(ctx, tx, path)
		if err != nil {
			return err
		}
		if n.mounted() {
			return errInvalidState("cannot alter mounted table %s", path)
		}
		current, err := n.schema()
		if err != nil {
			return errSchema(path, err)
		}

		next := current
		if opts.Schema != nil {
			next = *opts.Schema
			if err := next.Validate(); err != nil {
				return errSchema(path, err)
			}
			if err := checkAlter(current, next, n.dynamic()); err != nil {
				return errSchema(path, err)
			}
		}

		dynamic := n.dynamic()
		if opts.Dynamic != nil {
			dynamic = *opts.Dynamic
		}
		if dynamic {
			if err := checkDynamicSchema(next); err != nil {
				return errSchema(path, err)
			}
		}

		if opts.Schema != nil {
			if err := rewriteRows(ctx, tx, n, next, dynamic); err != nil {
				return err
			}
			v, err := normalizeValue(next)
			if err != nil {
				return err
			}
			n.attrs[AttrSchema] = v
		} else if dynamic && !n.dynamic() {
			if err := checkUniqueRows(ctx, tx, n.id); err != nil {
				return errs.NewStoreError(errs.CodeDuplicateKey, fmt.Sprintf("cannot make %s dynamic", path), err)
			}
		}

		switch {
		case dynamic && !n.dynamic():
			n.attrs[AttrDynamic] = true
			n.attrs[AttrPivotKeys] = []interface{}{[]interface{}{}}
			n.attrs[AttrTabletCount] = int64(1)
		case !dynamic && n.dynamic():
			n.attrs[AttrDynamic] = false
			delete(n.attrs, AttrPivotKeys)
			delete(n.attrs, AttrTabletCount)
		}
		return saveNode(ctx, tx, n)
	})
	if err == nil {
		fields := []zap.Field{zap.String("path", path)}
		if opts.Schema != nil {
			fields = append(fields, zap.Stringer("schema", *opts.Schema))
		}
		if opts.Dynamic != nil {
			fields = append(fields, zap.Bool("dynamic", *opts.Dynamic))
		}
		s.logger.Info("Altered table", fields...)
	}
	return err
}

// checkAlter rejects type changes of retained columns and, for dynamic
// tables, any change to the existing key columns.
func checkAlter(current, next types.TableSchema, dynamic bool) error {
	if _, err := compileExpressions(next); err != nil {
		return err
	}
	for _, col := range current.Columns() {
		if nc, ok := next.Column(col.Name); ok && nc.Type != col.Type {
			return fmt.Errorf("column %q cannot change type from %s to %s", col.Name, col.Type, nc.Type)
		}
	}
	if !dynamic {
		return nil
	}
	oldKeys := current.Columns()[:len(current.KeyColumns())]
	newCols := next.Columns()
	if len(next.KeyColumns()) < len(oldKeys) {
		return fmt.Errorf("key columns of a dynamic table cannot be removed")
	}
	for i, k := range oldKeys {
		if newCols[i] != k {
			return fmt.Errorf("key column %q of a dynamic table cannot change", k.Name)
		}
	}
	return nil
}
