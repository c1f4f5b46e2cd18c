package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func operationsSchema() TableSchema {
	return NewTableSchema(
		[]Column{
			KeyColumn("id_hash", TypeUint64, "farm_hash(id_hi, id_lo)"),
			KeyColumn("id_hi", TypeUint64),
			KeyColumn("id_lo", TypeUint64),
		},
		[]Column{
			ValueColumn("state", TypeString),
			ValueColumn("progress", TypeAny),
		},
	)
}

func TestTableSchema_DerivedColumns(t *testing.T) {
	s := operationsSchema()

	assert.Equal(t, []string{"id_hash", "id_hi", "id_lo"}, s.KeyColumns())
	assert.Equal(t, []string{"id_hi", "id_lo", "state", "progress"}, s.UserColumns())
	assert.Equal(t, 5, s.Len())
	assert.NoError(t, s.Validate())

	col, ok := s.Column("id_hash")
	require.True(t, ok)
	assert.True(t, col.IsKey())
	assert.True(t, col.IsComputed())

	col, ok = s.Column("state")
	require.True(t, ok)
	assert.False(t, col.IsKey())
}

func TestTableSchema_Immutable(t *testing.T) {
	s := operationsSchema()
	cols := s.Columns()
	cols[0].Name = "mutated"

	assert.Equal(t, "id_hash", s.Columns()[0].Name)

	unique := s.WithUniqueKeys(true)
	assert.True(t, unique.UniqueKeys())
	assert.False(t, s.UniqueKeys())
	assert.False(t, s.Equal(unique))
	assert.True(t, s.SameColumns(unique))
}

func TestTableSchema_Validate(t *testing.T) {
	dup := NewTableSchema([]Column{KeyColumn("id", TypeUint64)}, []Column{ValueColumn("id", TypeString)})
	assert.Error(t, dup.Validate())

	badType := NewTableSchema([]Column{KeyColumn("id", "uuid")}, nil)
	assert.Error(t, badType.Validate())

	anyKey := NewTableSchema([]Column{KeyColumn("id", TypeAny)}, nil)
	assert.Error(t, anyKey.Validate())

	assert.Error(t, TableSchema{}.Validate())
}

func TestTableSchema_JSONRoundTrip(t *testing.T) {
	s := operationsSchema().WithUniqueKeys(true)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded TableSchema
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, s.Equal(decoded), "got %s", decoded)

	var generic interface{}
	require.NoError(t, json.Unmarshal(data, &generic))
	parsed, err := ParseSchema(generic)
	require.NoError(t, err)
	assert.True(t, s.Equal(parsed))
}

func TestTableSchema_UnmarshalRejectsKeyAfterValue(t *testing.T) {
	data := []byte(`{"columns":[{"name":"v","type":"string"},{"name":"k","type":"uint64","sort_order":"ascending"}]}`)
	var s TableSchema
	assert.Error(t, json.Unmarshal(data, &s))
}

func TestTableSchema_String(t *testing.T) {
	s := NewTableSchema([]Column{KeyColumn("id", TypeUint64)}, []Column{ValueColumn("state", TypeString)})
	assert.Equal(t, "[id:uint64*, state:string]", s.String())
}
