package archive

import (
	"github.com/arkilian/oparchive/internal/migrate"
	"github.com/arkilian/oparchive/internal/store"
	"github.com/arkilian/oparchive/pkg/types"
)

// Tables of the operations archive.
const (
	OrderedByID        = "ordered_by_id"
	OrderedByStartTime = "ordered_by_start_time"
	Stderrs            = "stderrs"
	Jobs               = "jobs"
	JobSpecs           = "job_specs"
	FailContexts       = "fail_contexts"
)

// Tables lists every table of the latest layout.
var Tables = []string{FailContexts, JobSpecs, Jobs, OrderedByID, OrderedByStartTime, Stderrs}

const (
	// Account owns every archive node from version 8 on.
	Account = "operations_archive"
	// SysAccount is the account whose resource limits Account starts from.
	SysAccount = "sys"
	// SysBundle hosts the archive tablets from version 12 on.
	SysBundle = "sys"
)

func key(name string, typ types.ColumnType, expression ...string) types.Column {
	return types.KeyColumn(name, typ, expression...)
}

func val(name string, typ types.ColumnType) types.Column {
	return types.ValueColumn(name, typ)
}

const (
	tUint64  = types.TypeUint64
	tInt64   = types.TypeInt64
	tString  = types.TypeString
	tAny     = types.TypeAny
	tBoolean = types.TypeBoolean
)

var noAtomicity = map[string]interface{}{store.AttrAtomicity: "none"}

func operationIDKeys() []types.Column {
	return []types.Column{
		key("id_hash", tUint64, "farm_hash(id_hi, id_lo)"),
		key("id_hi", tUint64),
		key("id_lo", tUint64),
	}
}

// orderedByID returns the operations table with extra value columns
// appended to the initial ones.
func orderedByID(extra ...types.Column) *migrate.TableSpec {
	values := []types.Column{
		val("state", tString),
		val("authenticated_user", tString),
		val("operation_type", tString),
		val("progress", tAny),
		val("spec", tAny),
		val("brief_progress", tAny),
		val("brief_spec", tAny),
		val("start_time", tInt64),
		val("finish_time", tInt64),
		val("filter_factors", tString),
		val("result", tAny),
	}
	return migrate.NewTableSpec(operationIDKeys(), append(values, extra...)).
		WithInMemory().
		WithPivots(migrate.DefaultPivots)
}

func startTimeKeys() []types.Column {
	return []types.Column{
		key("start_time", tInt64),
		key("id_hi", tUint64),
		key("id_lo", tUint64),
	}
}

// orderedByStartTime returns the start time index with the filter columns
// introduced at version 2 followed by extra.
func orderedByStartTime(extra ...types.Column) *migrate.TableSpec {
	values := []types.Column{
		val("operation_type", tString),
		val("state", tString),
		val("authenticated_user", tString),
		val("filter_factors", tString),
	}
	return migrate.NewTableSpec(startTimeKeys(), append(values, extra...)).WithInMemory()
}

func jobIDKeys() []types.Column {
	return []types.Column{
		key("operation_id_hi", tUint64),
		key("operation_id_lo", tUint64),
		key("job_id_hi", tUint64),
		key("job_id_lo", tUint64),
	}
}

func hashedJobIDKeys() []types.Column {
	return append([]types.Column{key("operation_id_hash", tUint64, "farm_hash(operation_id_hi, operation_id_lo)")}, jobIDKeys()...)
}

func jobValues(typeColumn string, extra ...types.Column) []types.Column {
	values := []types.Column{
		val(typeColumn, tString),
		val("state", tString),
		val("start_time", tInt64),
		val("finish_time", tInt64),
		val("address", tString),
		val("error", tAny),
		val("statistics", tAny),
	}
	return append(values, extra...)
}

// jobsV16 returns the unsharded jobs table with atomicity none. extra is
// inserted between spec_version and events.
func jobsV16(extra []types.Column, tail ...types.Column) *migrate.TableSpec {
	values := jobValues("type", val("stderr_size", tUint64), val("spec", tString), val("spec_version", tInt64))
	values = append(values, extra...)
	values = append(values, val("events", tAny), val("transient_state", tString))
	values = append(values, tail...)
	return migrate.NewTableSpec(hashedJobIDKeys(), values).WithAttributes(noAtomicity)
}

func stderrsSpec(keys []types.Column) *migrate.TableSpec {
	return migrate.NewTableSpec(keys, []types.Column{val("stderr", tString)})
}

func jobSpecsSpec(extra ...types.Column) *migrate.TableSpec {
	values := append([]types.Column{val("spec", tString), val("spec_version", tInt64)}, extra...)
	return migrate.NewTableSpec([]types.Column{
		key("job_id_hash", tUint64, "farm_hash(job_id_hi, job_id_lo)"),
		key("job_id_hi", tUint64),
		key("job_id_lo", tUint64),
	}, values)
}
