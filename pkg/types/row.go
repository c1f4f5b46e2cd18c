// Package types provides the core data types of the operation archive:
// table schemas, rows, keys and row mappers.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Row is a single table row keyed by column name.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Project returns a row holding only the given columns. Missing columns are set to nil.
func (r Row) Project(columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		out[c] = r[c]
	}
	return out
}

// Key is a tuple of key column values. The empty key is the lower bound of the keyspace.
type Key []interface{}

// MapFunc transforms one input row into zero or more output rows.
type MapFunc func(Row) ([]Row, error)

// Mapper is a named row transformation run by a map job.
type Mapper struct {
	Name string
	Map  MapFunc
}

// IdentityMapper passes every row through unchanged.
var IdentityMapper = Mapper{
	Name: "identity",
	Map: func(r Row) ([]Row, error) {
		return []Row{r}, nil
	},
}

// ProjectionMapper emits each row restricted to the given columns.
func ProjectionMapper(columns []string) Mapper {
	cols := append([]string(nil), columns...)
	return Mapper{
		Name: "default_mapper",
		Map: func(r Row) ([]Row, error) {
			return []Row{r.Project(cols)}, nil
		},
	}
}

// CoerceValue converts v to the Go representation used for typ:
// int64, uint64, float64, bool, string, or an untouched value for any.
// nil is preserved for every type.
func CoerceValue(typ ColumnType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeAny:
		return v, nil
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeInt64:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint32:
			return int64(x), nil
		case uint64:
			if x <= math.MaxInt64 {
				return int64(x), nil
			}
		case float64:
			if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
				return int64(x), nil
			}
		case json.Number:
			return strconv.ParseInt(string(x), 10, 64)
		}
	case TypeUint64:
		switch x := v.(type) {
		case int:
			if x >= 0 {
				return uint64(x), nil
			}
		case int64:
			if x >= 0 {
				return uint64(x), nil
			}
		case uint32:
			return uint64(x), nil
		case uint64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && x >= 0 && x < math.MaxUint64 {
				return uint64(x), nil
			}
		case json.Number:
			return strconv.ParseUint(string(x), 10, 64)
		}
	case TypeDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case uint64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		}
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
	return nil, fmt.Errorf("value %v (%T) is not a valid %s", v, v, typ)
}

// CoerceRow coerces every column of row present in schema. Columns that are
// not part of the schema are rejected.
func CoerceRow(schema TableSchema, row Row) (Row, error) {
	out := make(Row, len(row))
	for name, v := range row {
		col, ok := schema.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q is not in schema %s", name, schema)
		}
		cv, err := CoerceValue(col.Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		out[name] = cv
	}
	return out, nil
}

// RowKey extracts the key tuple of a row.
func RowKey(schema TableSchema, row Row) Key {
	names := schema.KeyColumns()
	key := make(Key, len(names))
	for i, n := range names {
		key[i] = row[n]
	}
	return key
}

// typeRank orders values of different kinds: nil < bool < numbers < strings < other.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, uint64, float64, int:
		return 2
	case string:
		return 3
	}
	return 4
}

// CompareValues returns -1, 0 or 1 comparing two scalar column values.
func CompareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case int64, uint64, float64, int:
		return compareNumbers(a, b)
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func compareNumbers(a, b interface{}) int {
	ua, aUnsigned := a.(uint64)
	ub, bUnsigned := b.(uint64)
	if aUnsigned && bUnsigned {
		switch {
		case ua < ub:
			return -1
		case ua > ub:
			return 1
		}
		return 0
	}
	ia, aInt := asInt64(a)
	ib, bInt := asInt64(b)
	if aInt && bInt {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	}
	fa, fb := asFloat64(a), asFloat64(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

func asFloat64(v interface{}) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// CompareKeys compares two key tuples lexicographically. A shorter key that is
// a prefix of a longer one sorts first, so the empty key is the global minimum.
func CompareKeys(a, b Key) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// SortRows orders rows by the schema's key columns. The sort is stable.
func SortRows(schema TableSchema, rows []Row) {
	keys := schema.KeyColumns()
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			if c := CompareValues(rows[i][k], rows[j][k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// EncodeCanonical renders the given columns of a row as a JSON array in
// column order. It is the byte form used for checksums and key identity.
func EncodeCanonical(columns []string, row Row) ([]byte, error) {
	vals := make([]interface{}, len(columns))
	for i, c := range columns {
		vals[i] = row[c]
	}
	return json.Marshal(vals)
}
