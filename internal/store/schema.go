package store

// createMetaTableSQL holds store-wide counters. The "revision" row is the
// global revision bumped by every mutation.
const createMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
)`

// createNodesTableSQL stores the node tree. Rows reference nodes by id, so
// renaming a path never touches row data.
const createNodesTableSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    path TEXT PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    attributes TEXT NOT NULL,
    revision INTEGER NOT NULL,
    tablet_state TEXT NOT NULL DEFAULT 'unmounted'
)`

// createRowsTableSQL stores table rows. payload is snappy-compressed JSON,
// row_key the canonical encoding of the key columns.
const createRowsTableSQL = `
CREATE TABLE IF NOT EXISTS rows (
    node_id TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    row_key TEXT NOT NULL,
    payload BLOB NOT NULL,
    PRIMARY KEY (node_id, ordinal)
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_rows_key ON rows(node_id, row_key)`,
}

const seedRevisionSQL = `INSERT OR IGNORE INTO meta (key, value) VALUES ('revision', 0)`

// allSchemaSQL returns every statement needed to initialize a store database.
func allSchemaSQL() []string {
	stmts := []string{createMetaTableSQL, createNodesTableSQL, createRowsTableSQL}
	stmts = append(stmts, createIndexesSQL...)
	return append(stmts, seedRevisionSQL)
}
