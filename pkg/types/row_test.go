package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name string
		typ  ColumnType
		in   interface{}
		want interface{}
	}{
		{"uint64 from json number", TypeUint64, json.Number("18446744073709551615"), uint64(math.MaxUint64)},
		{"uint64 from int", TypeUint64, 7, uint64(7)},
		{"int64 from float", TypeInt64, float64(-3), int64(-3)},
		{"int64 from json number", TypeInt64, json.Number("-42"), int64(-42)},
		{"double from int64", TypeDouble, int64(2), float64(2)},
		{"string from bytes", TypeString, []byte("x"), "x"},
		{"boolean", TypeBoolean, true, true},
		{"any passthrough", TypeAny, map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1}},
		{"nil preserved", TypeUint64, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceValue(tt.typ, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceValue_Rejects(t *testing.T) {
	_, err := CoerceValue(TypeUint64, int64(-1))
	assert.Error(t, err)

	_, err = CoerceValue(TypeBoolean, "true")
	assert.Error(t, err)

	_, err = CoerceValue(TypeInt64, 1.5)
	assert.Error(t, err)
}

func TestCoerceRow_UnknownColumn(t *testing.T) {
	s := NewTableSchema([]Column{KeyColumn("id", TypeUint64)}, []Column{ValueColumn("state", TypeString)})

	row, err := CoerceRow(s, Row{"id": 1, "state": "done"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), row["id"])

	_, err = CoerceRow(s, Row{"id": 1, "job_type": "map"})
	assert.Error(t, err)
}

func TestCompareKeys(t *testing.T) {
	assert.Equal(t, -1, CompareKeys(Key{}, Key{uint64(0)}))
	assert.Equal(t, 0, CompareKeys(Key{uint64(5), "a"}, Key{uint64(5), "a"}))
	assert.Equal(t, 1, CompareKeys(Key{uint64(math.MaxUint64)}, Key{uint64(1)}))
	assert.Equal(t, -1, CompareKeys(Key{nil}, Key{int64(-10)}))
	assert.Equal(t, -1, CompareKeys(Key{int64(-1)}, Key{uint64(0)}))
	assert.Equal(t, 1, CompareKeys(Key{"b"}, Key{"a"}))
}

func TestSortRows(t *testing.T) {
	s := NewTableSchema(
		[]Column{KeyColumn("start_time", TypeInt64), KeyColumn("id", TypeUint64)},
		[]Column{ValueColumn("state", TypeString)},
	)
	rows := []Row{
		{"start_time": int64(20), "id": uint64(1), "state": "c"},
		{"start_time": int64(10), "id": uint64(2), "state": "b"},
		{"start_time": int64(10), "id": uint64(1), "state": "a"},
	}

	SortRows(s, rows)

	assert.Equal(t, "a", rows[0]["state"])
	assert.Equal(t, "b", rows[1]["state"])
	assert.Equal(t, "c", rows[2]["state"])
}

func TestProjectionMapper(t *testing.T) {
	m := ProjectionMapper([]string{"id", "state", "extra"})
	out, err := m.Map(Row{"id": uint64(1), "state": "running", "dropped": true})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Row{"id": uint64(1), "state": "running", "extra": nil}, out[0])
}

func TestEncodeCanonical(t *testing.T) {
	a, err := EncodeCanonical([]string{"id", "state"}, Row{"state": "x", "id": uint64(math.MaxUint64)})
	require.NoError(t, err)
	assert.Equal(t, `[18446744073709551615,"x"]`, string(a))

	b, err := EncodeCanonical([]string{"id", "state"}, Row{"id": uint64(math.MaxUint64)})
	require.NoError(t, err)
	assert.Equal(t, `[18446744073709551615,null]`, string(b))
}
