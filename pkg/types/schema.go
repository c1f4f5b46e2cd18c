package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ColumnType is the logical type of a table column.
type ColumnType string

const (
	TypeInt64   ColumnType = "int64"
	TypeUint64  ColumnType = "uint64"
	TypeDouble  ColumnType = "double"
	TypeBoolean ColumnType = "boolean"
	TypeString  ColumnType = "string"
	TypeAny     ColumnType = "any"
)

// SortAscending marks a key column.
const SortAscending = "ascending"

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInt64, TypeUint64, TypeDouble, TypeBoolean, TypeString, TypeAny:
		return true
	}
	return false
}

// Column describes a single column of a table schema.
type Column struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the logical column type
	Type ColumnType `json:"type"`

	// Expression is set for computed key columns, e.g. "farm_hash(id_hi, id_lo)"
	Expression string `json:"expression,omitempty"`

	// SortOrder is "ascending" for key columns and empty for value columns
	SortOrder string `json:"sort_order,omitempty"`
}

// IsKey reports whether the column is part of the sorted key.
func (c Column) IsKey() bool {
	return c.SortOrder != ""
}

// IsComputed reports whether the column value is derived from an expression.
func (c Column) IsComputed() bool {
	return c.Expression != ""
}

// KeyColumn returns a key column definition. An optional expression makes it computed.
func KeyColumn(name string, typ ColumnType, expression ...string) Column {
	col := Column{Name: name, Type: typ, SortOrder: SortAscending}
	if len(expression) > 0 {
		col.Expression = expression[0]
	}
	return col
}

// ValueColumn returns a non-key column definition.
func ValueColumn(name string, typ ColumnType) Column {
	return Column{Name: name, Type: typ}
}

// TableSchema is an immutable ordered list of key columns followed by value
// columns. A new layout is always a new TableSchema value.
type TableSchema struct {
	columns    []Column
	keyCount   int
	uniqueKeys bool
}

// NewTableSchema builds a schema from key and value columns. Key columns are
// stamped with ascending sort order; value columns lose any sort order.
func NewTableSchema(keys []Column, values []Column) TableSchema {
	cols := make([]Column, 0, len(keys)+len(values))
	for _, k := range keys {
		k.SortOrder = SortAscending
		cols = append(cols, k)
	}
	for _, v := range values {
		v.SortOrder = ""
		v.Expression = ""
		cols = append(cols, v)
	}
	return TableSchema{columns: cols, keyCount: len(keys)}
}

// Validate checks column names, types and expressions.
func (s TableSchema) Validate() error {
	if len(s.columns) == 0 {
		return fmt.Errorf("schema: no columns")
	}
	seen := make(map[string]bool, len(s.columns))
	for i, col := range s.columns {
		if col.Name == "" {
			return fmt.Errorf("schema: column %d has an empty name", i)
		}
		if seen[col.Name] {
			return fmt.Errorf("schema: duplicate column %q", col.Name)
		}
		seen[col.Name] = true
		if !col.Type.Valid() {
			return fmt.Errorf("schema: column %q has unknown type %q", col.Name, col.Type)
		}
		if col.IsKey() && col.Type == TypeAny {
			return fmt.Errorf("schema: key column %q cannot have type any", col.Name)
		}
	}
	return nil
}

// Columns returns a copy of all columns in order.
func (s TableSchema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Len returns the number of columns.
func (s TableSchema) Len() int {
	return len(s.columns)
}

// IsZero reports whether the schema has no columns.
func (s TableSchema) IsZero() bool {
	return len(s.columns) == 0
}

// KeyColumns returns the names of the key columns.
func (s TableSchema) KeyColumns() []string {
	names := make([]string, 0, s.keyCount)
	for _, col := range s.columns[:s.keyCount] {
		names = append(names, col.Name)
	}
	return names
}

// UserColumns returns the names of all columns a writer may supply,
// that is every column without a computed expression.
func (s TableSchema) UserColumns() []string {
	names := make([]string, 0, len(s.columns))
	for _, col := range s.columns {
		if !col.IsComputed() {
			names = append(names, col.Name)
		}
	}
	return names
}

// Column looks up a column by name.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, col := range s.columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// UniqueKeys reports whether the schema declares unique keys.
func (s TableSchema) UniqueKeys() bool {
	return s.uniqueKeys
}

// WithUniqueKeys returns a copy of the schema with the unique_keys flag set.
func (s TableSchema) WithUniqueKeys(unique bool) TableSchema {
	cp := TableSchema{columns: s.Columns(), keyCount: s.keyCount, uniqueKeys: unique}
	return cp
}

// Equal compares two schemas column by column, including the unique_keys flag.
func (s TableSchema) Equal(other TableSchema) bool {
	if s.keyCount != other.keyCount || s.uniqueKeys != other.uniqueKeys || len(s.columns) != len(other.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != other.columns[i] {
			return false
		}
	}
	return true
}

// SameColumns compares two schemas ignoring the unique_keys flag.
func (s TableSchema) SameColumns(other TableSchema) bool {
	return s.WithUniqueKeys(false).Equal(other.WithUniqueKeys(false))
}

// String renders the schema as "[k1:type*, v1:type, ...]".
func (s TableSchema) String() string {
	parts := make([]string, len(s.columns))
	for i, col := range s.columns {
		p := col.Name + ":" + string(col.Type)
		if col.IsKey() {
			p += "*"
		}
		parts[i] = p
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type schemaJSON struct {
	Columns    []Column `json:"columns"`
	UniqueKeys bool     `json:"unique_keys"`
}

// MarshalJSON encodes the schema as {"columns": [...], "unique_keys": bool}.
func (s TableSchema) MarshalJSON() ([]byte, error) {
	cols := s.columns
	if cols == nil {
		cols = []Column{}
	}
	return json.Marshal(schemaJSON{Columns: cols, UniqueKeys: s.uniqueKeys})
}

// UnmarshalJSON decodes a schema. Key columns must form a prefix of the column list.
func (s *TableSchema) UnmarshalJSON(data []byte) error {
	var raw schemaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	keyCount := 0
	for i, col := range raw.Columns {
		if col.IsKey() {
			if i != keyCount {
				return fmt.Errorf("schema: key column %q follows a value column", col.Name)
			}
			keyCount++
		}
	}
	s.columns = raw.Columns
	s.keyCount = keyCount
	s.uniqueKeys = raw.UniqueKeys
	return nil
}

// ParseSchema converts a generic attribute value (as returned by a store) back
// into a TableSchema.
func ParseSchema(v interface{}) (TableSchema, error) {
	switch s := v.(type) {
	case TableSchema:
		return s, nil
	case *TableSchema:
		return *s, nil
	case nil:
		return TableSchema{}, fmt.Errorf("schema: attribute is missing")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return TableSchema{}, fmt.Errorf("schema: cannot encode attribute: %w", err)
	}
	var s TableSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return TableSchema{}, fmt.Errorf("schema: cannot decode attribute: %w", err)
	}
	return s, nil
}
