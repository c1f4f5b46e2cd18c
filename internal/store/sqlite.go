package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/internal/storage"
	"github.com/arkilian/oparchive/pkg/types"
)

// Config configures a SQLiteStore.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Staging holds the intermediate chunks of map jobs.
	Staging storage.ObjectStorage

	Jobs   jobs.Options
	Logger *zap.Logger
}

// SQLiteStore implements Client on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes mutations
	runner *jobs.Runner
	logger *zap.Logger
}

var _ Client = (*SQLiteStore)(nil)
var _ jobs.TableIO = (*SQLiteStore)(nil)

// Open opens (creating if needed) the store database at cfg.Path.
func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.Staging == nil {
		return nil, fmt.Errorf("store: staging storage is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	for _, stmt := range allSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to execute schema statement: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: cfg.Path,
		logger: logger,
	}
	s.runner = jobs.NewRunner(s, cfg.Staging, cfg.Jobs, logger.With(zap.String("component", "jobs")))
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type node struct {
	path        string
	id          string
	kind        NodeKind
	attrs       map[string]interface{}
	revision    int64
	tabletState string
}

func (n *node) dynamic() bool {
	return n.kind == KindTable && boolAttr(n.attrs, AttrDynamic)
}

func (n *node) mounted() bool {
	return n.tabletState == TabletMounted
}

func (n *node) schema() (types.TableSchema, error) {
	return types.ParseSchema(n.attrs[AttrSchema])
}

// withTx runs fn in a write transaction. Errors that are not already
// MigrationErrors are reported as the store being unavailable.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func unavailable(op string, err error) error {
	var me *errs.MigrationError
	if stderrors.As(err, &me) {
		return err
	}
	return errs.NewStoreError(errs.CodeStoreUnavailable, op, err)
}

func errNotFound(path string) error {
	return errs.NewStoreError(errs.CodeNodeNotFound, fmt.Sprintf("node %s does not exist", path), nil)
}

func errInvalidState(format string, args ...interface{}) error {
	return errs.NewStoreError(errs.CodeInvalidState, fmt.Sprintf(format, args...), nil)
}

func errSchema(path string, err error) error {
	return errs.NewStoreError(errs.CodeSchemaViolation, fmt.Sprintf("table %s", path), err)
}

func lookupNode(ctx context.Context, q querier, path string) (*node, error) {
	var n node
	var kind, attrs string
	err := q.QueryRowContext(ctx,
		"SELECT path, id, kind, attributes, revision, tablet_state FROM nodes WHERE path = ?", path,
	).Scan(&n.path, &n.id, &kind, &attrs, &n.revision, &n.tabletState)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.kind = NodeKind(kind)
	if n.attrs, err = decodeAttributes(attrs); err != nil {
		return nil, fmt.Errorf("node %s: %w", path, err)
	}
	return &n, nil
}

func getNode(ctx context.Context, q querier, path string) (*node, error) {
	n, err := lookupNode(ctx, q, path)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, errNotFound(path)
	}
	return n, nil
}

func getTable(ctx context.Context, q querier, path string) (*node, error) {
	n, err := getNode(ctx, q, path)
	if err != nil {
		return nil, err
	}
	if n.kind != KindTable {
		return nil, errInvalidState("node %s is a %s, not a table", path, n.kind)
	}
	return n, nil
}

// descendantRange returns the half-open byte range [lo, hi) holding every
// path below path. '0' is the byte after '/'.
func descendantRange(path string) (lo, hi string) {
	return path + "/", path + "0"
}

// subtree returns the node at path and every descendant.
func subtree(ctx context.Context, q querier, path string) ([]*node, error) {
	lo, hi := descendantRange(path)
	rows, err := q.QueryContext(ctx,
		"SELECT path FROM nodes WHERE path = ? OR (path >= ? AND path < ?) ORDER BY path",
		path, lo, hi)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nodes := make([]*node, 0, len(paths))
	for _, p := range paths {
		n, err := getNode(ctx, q, p)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE meta SET value = value + 1 WHERE key = 'revision'"); err != nil {
		return 0, err
	}
	var rev int64
	err := tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'revision'").Scan(&rev)
	return rev, err
}

// saveNode persists attributes and tablet state and stamps a fresh revision.
func saveNode(ctx context.Context, tx *sql.Tx, n *node) error {
	rev, err := bumpRevision(ctx, tx)
	if err != nil {
		return err
	}
	attrs, err := encodeAttributes(n.attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE nodes SET attributes = ?, tablet_state = ?, revision = ? WHERE id = ?",
		attrs, n.tabletState, rev, n.id)
	if err == nil {
		n.revision = rev
	}
	return err
}

func insertNode(ctx context.Context, tx *sql.Tx, kind NodeKind, path string, attrs map[string]interface{}) error {
	rev, err := bumpRevision(ctx, tx)
	if err != nil {
		return err
	}
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO nodes (path, id, kind, attributes, revision, tablet_state) VALUES (?, ?, ?, ?, ?, ?)",
		path, uuid.New().String(), string(kind), encoded, rev, TabletUnmounted)
	return err
}

// ensureParent checks (or with recursive creates) the map node chain above path.
func ensureParent(ctx context.Context, tx *sql.Tx, path string, recursive bool) error {
	parent := parentPath(path)
	if parent == "" {
		return nil
	}
	n, err := lookupNode(ctx, tx, parent)
	if err != nil {
		return err
	}
	if n != nil {
		if n.kind != KindMapNode {
			return errInvalidState("parent %s of %s is a %s", parent, path, n.kind)
		}
		return nil
	}
	if !recursive {
		return errNotFound(parent)
	}
	if err := ensureParent(ctx, tx, parent, true); err != nil {
		return err
	}
	return insertNode(ctx, tx, KindMapNode, parent, nil)
}

// Create creates a node. Tables require a schema attribute.
func (s *SQLiteStore) Create(ctx context.Context, kind NodeKind, path string, opts CreateOptions) error {
	if err := validatePath(path); err != nil {
		return errs.NewValidationError(errs.CodeInvalidArgument, err.Error())
	}
	switch kind {
	case KindMapNode, KindTable, KindAccount, KindTabletCellBundle:
	default:
		return errs.NewValidationError(errs.CodeInvalidArgument, fmt.Sprintf("unknown node kind %q", kind))
	}

	attrs := map[string]interface{}{}
	if opts.Attributes != nil {
		v, err := normalizeValue(opts.Attributes)
		if err != nil {
			return errs.NewValidationError(errs.CodeInvalidArgument, err.Error())
		}
		attrs = v.(map[string]interface{})
	}

	if kind == KindTable {
		if err := prepareTableAttributes(path, attrs); err != nil {
			return err
		}
	}

	err := s.withTx(ctx, "create "+path, func(tx *sql.Tx) error {
		existing, err := lookupNode(ctx, tx, path)
		if err != nil {
			return err
		}
		if existing != nil {
			if opts.IgnoreExisting && existing.kind == kind {
				return nil
			}
			return errs.NewStoreError(errs.CodeNodeExists, fmt.Sprintf("node %s already exists", path), nil)
		}
		if err := ensureParent(ctx, tx, path, opts.Recursive); err != nil {
			return err
		}
		return insertNode(ctx, tx, kind, path, attrs)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Created node", zap.String("kind", string(kind)), zap.String("path", path))
	return nil
}

// prepareTableAttributes validates the schema of a new table and fills in the
// tablet layout of dynamic tables.
func prepareTableAttributes(path string, attrs map[string]interface{}) error {
	schema, err := types.ParseSchema(attrs[AttrSchema])
	if err != nil {
		return errSchema(path, err)
	}
	if err := schema.Validate(); err != nil {
		return errSchema(path, err)
	}
	if _, err := compileExpressions(schema); err != nil {
		return errSchema(path, err)
	}
	if boolAttr(attrs, AttrDynamic) {
		if err := checkDynamicSchema(schema); err != nil {
			return errSchema(path, err)
		}
		attrs[AttrPivotKeys] = []interface{}{[]interface{}{}}
		attrs[AttrTabletCount] = int64(1)
	} else {
		attrs[AttrDynamic] = false
	}
	v, err := normalizeValue(schema)
	if err != nil {
		return errSchema(path, err)
	}
	attrs[AttrSchema] = v
	return nil
}

func checkDynamicSchema(schema types.TableSchema) error {
	if len(schema.KeyColumns()) == 0 {
		return fmt.Errorf("dynamic table needs at least one key column")
	}
	if !schema.UniqueKeys() {
		return fmt.Errorf("dynamic table schema must declare unique keys")
	}
	return nil
}

// Exists reports whether a node exists at path.
func (s *SQLiteStore) Exists(ctx context.Context, path string) (bool, error) {
	n, err := lookupNode(ctx, s.db, path)
	if err != nil {
		return false, unavailable("exists "+path, err)
	}
	return n != nil, nil
}

// Get returns one attribute of a node, including the system attributes
// revision, tablet_state, type, id and row_count.
func (s *SQLiteStore) Get(ctx context.Context, path, attr string) (interface{}, error) {
	attrs, err := s.Attributes(ctx, path)
	if err != nil {
		return nil, err
	}
	v, ok := attrs[attr]
	if !ok {
		return nil, errs.NewStoreError(errs.CodeNodeNotFound, fmt.Sprintf("attribute %s/@%s does not exist", path, attr), nil)
	}
	return v, nil
}

// Attributes returns every attribute of a node.
func (s *SQLiteStore) Attributes(ctx context.Context, path string) (map[string]interface{}, error) {
	n, err := getNode(ctx, s.db, path)
	if err != nil {
		return nil, unavailable("get "+path, err)
	}
	attrs := n.attrs
	attrs[AttrRevision] = n.revision
	attrs[AttrType] = string(n.kind)
	attrs[AttrID] = n.id
	if n.kind == KindTable {
		attrs[AttrTabletState] = n.tabletState
		count, err := countRows(ctx, s.db, n.id)
		if err != nil {
			return nil, unavailable("get "+path, err)
		}
		attrs[AttrRowCount] = count
	}
	return attrs, nil
}

var readOnlyAttributes = map[string]bool{
	AttrSchema:      true,
	AttrDynamic:     true,
	AttrRevision:    true,
	AttrTabletState: true,
	AttrPivotKeys:   true,
	AttrTabletCount: true,
	AttrRowCount:    true,
	AttrType:        true,
	AttrID:          true,
}

// Set writes one attribute. Layout attributes change through Alter and Reshard.
func (s *SQLiteStore) Set(ctx context.Context, path, attr string, value interface{}) error {
	if readOnlyAttributes[attr] {
		return errs.NewValidationError(errs.CodeInvalidArgument, fmt.Sprintf("attribute %s cannot be set directly", attr))
	}
	v, err := normalizeValue(value)
	if err != nil {
		return errs.NewValidationError(errs.CodeInvalidArgument, err.Error())
	}

	err = s.withTx(ctx, "set "+path+"/@"+attr, func(tx *sql.Tx) error {
		n, err := getNode(ctx, tx, path)
		if err != nil {
			return err
		}
		n.attrs[attr] = v
		return saveNode(ctx, tx, n)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Set attribute", zap.String("path", path), zap.String("attribute", attr), zap.Any("value", v))
	return nil
}

// RemoveAttribute deletes one attribute. Removing a missing attribute is a no-op.
func (s *SQLiteStore) RemoveAttribute(ctx context.Context, path, attr string) error {
	if readOnlyAttributes[attr] {
		return errs.NewValidationError(errs.CodeInvalidArgument, fmt.Sprintf("attribute %s cannot be removed", attr))
	}
	return s.withTx(ctx, "remove "+path+"/@"+attr, func(tx *sql.Tx) error {
		n, err := getNode(ctx, tx, path)
		if err != nil {
			return err
		}
		if _, ok := n.attrs[attr]; !ok {
			return nil
		}
		delete(n.attrs, attr)
		return saveNode(ctx, tx, n)
	})
}

// Move renames src and its whole subtree to dst in one transaction.
// dst must not exist and no moved table may be mounted.
func (s *SQLiteStore) Move(ctx context.Context, src, dst string) error {
	if err := validatePath(dst); err != nil {
		return errs.NewValidationError(errs.CodeInvalidArgument, err.Error())
	}
	if dst == src || len(dst) > len(src) && dst[:len(src)+1] == src+"/" {
		return errs.NewValidationError(errs.CodeInvalidArgument, fmt.Sprintf("cannot move %s into itself", src))
	}

	err := s.withTx(ctx, "move "+src, func(tx *sql.Tx) error {
		nodes, err := subtree(ctx, tx, src)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return errNotFound(src)
		}
		existing, err := lookupNode(ctx, tx, dst)
		if err != nil {
			return err
		}
		if existing != nil {
			return errs.NewStoreError(errs.CodeNodeExists, fmt.Sprintf("node %s already exists", dst), nil)
		}
		if err := ensureParent(ctx, tx, dst, false); err != nil {
			return err
		}
		for _, n := range nodes {
			if n.dynamic() && n.mounted() {
				return errInvalidState("cannot move mounted table %s", n.path)
			}
		}

		rev, err := bumpRevision(ctx, tx)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			newPath := dst + n.path[len(src):]
			if _, err := tx.ExecContext(ctx,
				"UPDATE nodes SET path = ?, revision = ? WHERE id = ?", newPath, rev, n.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Moved node", zap.String("source", src), zap.String("destination", dst))
	return nil
}

// Remove deletes a node. A node with children requires recursive.
func (s *SQLiteStore) Remove(ctx context.Context, path string, recursive bool) error {
	err := s.withTx(ctx, "remove "+path, func(tx *sql.Tx) error {
		nodes, err := subtree(ctx, tx, path)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return errNotFound(path)
		}
		if len(nodes) > 1 && !recursive {
			return errInvalidState("node %s has children, remove it recursively", path)
		}
		for _, n := range nodes {
			if n.dynamic() && n.mounted() {
				return errInvalidState("cannot remove mounted table %s", n.path)
			}
		}
		for _, n := range nodes {
			if _, err := tx.ExecContext(ctx, "DELETE FROM rows WHERE node_id = ?", n.id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", n.id); err != nil {
				return err
			}
		}
		_, err = bumpRevision(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info("Removed node", zap.String("path", path), zap.Bool("recursive", recursive))
	return nil
}

// List returns the sorted child names of a map node.
func (s *SQLiteStore) List(ctx context.Context, path string) ([]string, error) {
	n, err := getNode(ctx, s.db, path)
	if err != nil {
		return nil, unavailable("list "+path, err)
	}
	if n.kind != KindMapNode {
		return nil, errInvalidState("node %s is a %s, not a map node", path, n.kind)
	}

	lo, hi := descendantRange(path)
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM nodes WHERE path >= ? AND path < ?", lo, hi)
	if err != nil {
		return nil, unavailable("list "+path, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, unavailable("list "+path, err)
		}
		if parentPath(p) == path {
			names = append(names, baseName(p))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list "+path, err)
	}
	sort.Strings(names)
	return names, nil
}

// Revision returns the revision of the last mutation of the node.
func (s *SQLiteStore) Revision(ctx context.Context, path string) (int64, error) {
	n, err := getNode(ctx, s.db, path)
	if err != nil {
		return 0, unavailable("revision "+path, err)
	}
	return n.revision, nil
}
