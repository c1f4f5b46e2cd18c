// Package archive declares the versions of the operations archive: the
// layout of its tables at every version, the row mappers that carried data
// between layouts and the administrative actions bound to versions.
package archive

import (
	"github.com/arkilian/oparchive/internal/migrate"
	"github.com/arkilian/oparchive/pkg/types"
)

func mapper(m types.Mapper) *types.Mapper {
	return &m
}

// NewRegistry returns the operations archive registry, versions 0 to 25.
func NewRegistry() *migrate.Registry {
	r := migrate.NewRegistry()

	r.Transforms(0,
		migrate.TransformStep{Table: OrderedByID, Spec: orderedByID()},
		migrate.TransformStep{Table: OrderedByStartTime, Spec: migrate.NewTableSpec(startTimeKeys(), []types.Column{
			val("dummy", tInt64),
		}).WithInMemory()},
	)

	r.Transforms(1,
		migrate.TransformStep{Table: OrderedByID, Mapper: mapper(ShiftStartFinishTime)},
		migrate.TransformStep{Table: OrderedByStartTime, Mapper: mapper(ShiftStartTime)},
	)

	r.Transforms(2,
		migrate.TransformStep{Table: OrderedByStartTime, Spec: orderedByStartTime(), Source: OrderedByID},
	)

	r.Transforms(3,
		migrate.TransformStep{Table: Stderrs, Spec: stderrsSpec(jobIDKeys()).WithPivots(migrate.DefaultPivots)},
		migrate.TransformStep{Table: Jobs, Spec: migrate.NewTableSpec(jobIDKeys(), jobValues("job_type")).
			WithPivots(migrate.DefaultPivots)},
	)

	r.Transforms(4,
		migrate.TransformStep{Table: Jobs, Spec: migrate.NewTableSpec(jobIDKeys(), jobValues("job_type",
			val("stderr_size", tUint64),
		)).WithPivots(migrate.DefaultPivots)},
	)

	r.Transforms(5,
		migrate.TransformStep{Table: OrderedByID, Spec: orderedByID(
			val("events", tAny),
		)},
	)

	r.Transforms(6,
		migrate.TransformStep{Table: OrderedByID, Mapper: mapper(ConvertOperationID)},
		migrate.TransformStep{Table: OrderedByStartTime, Mapper: mapper(ConvertOperationID)},
		migrate.TransformStep{
			Table: Jobs,
			Spec: migrate.NewTableSpec(jobIDKeys(), jobValues("type",
				val("stderr_size", tUint64),
			)).WithPivots(migrate.DefaultPivots),
			Mapper: mapper(ConvertJobIDAndType),
		},
		migrate.TransformStep{Table: Stderrs, Mapper: mapper(ConvertJobID)},
	)

	r.Transforms(7,
		migrate.TransformStep{
			Table: Jobs,
			Spec: migrate.NewTableSpec(hashedJobIDKeys(), jobValues("type",
				val("stderr_size", tUint64),
				val("spec", tString),
				val("spec_version", tInt64),
				val("events", tAny),
			)).WithPivots(migrate.DefaultPivots),
			UseDefaultMapper: true,
		},
	)

	r.Actions(8,
		migrate.EnsureAccount{Account: Account, NodeLimit: 100, Template: SysAccount},
		migrate.AccountAssignment{Account: Account},
	)

	r.Transforms(9,
		migrate.TransformStep{
			Table:            Stderrs,
			Spec:             stderrsSpec(hashedJobIDKeys()).WithPivots(migrate.DefaultPivots),
			UseDefaultMapper: true,
		},
	)

	r.Transforms(10,
		migrate.TransformStep{Table: OrderedByID, Spec: orderedByID(
			val("events", tAny),
			val("alerts", tAny),
		)},
	)

	r.Actions(11,
		migrate.TTLOneWeek(Jobs),
		migrate.TTLOneWeek(Stderrs),
		migrate.TTLTwoYears(OrderedByID),
		migrate.TTLTwoYears(OrderedByStartTime),
	)

	r.Actions(12,
		migrate.EnsureBundle{Bundle: SysBundle},
		migrate.SysBundle(OrderedByID),
		migrate.SysBundle(OrderedByStartTime),
		migrate.SysBundle(Jobs),
		migrate.SysBundle(Stderrs),
	)

	r.Transforms(13,
		migrate.TransformStep{Table: OrderedByID, Spec: orderedByID(
			val("events", tAny),
			val("alerts", tAny),
			val("slot_index", tInt64),
		)},
	)

	r.Transforms(14,
		migrate.TransformStep{Table: JobSpecs, Spec: jobSpecsSpec().WithPivots(migrate.DefaultPivots)},
	)
	r.Actions(14,
		migrate.TTLOneWeek(JobSpecs),
		migrate.SysBundle(JobSpecs),
	)

	r.Transforms(15,
		migrate.TransformStep{Table: OrderedByStartTime, Spec: orderedByStartTime(
			val("pool", tString),
		)},
	)

	r.Transforms(16,
		migrate.TransformStep{Table: Jobs, Spec: jobsV16(nil)},
		migrate.TransformStep{Table: JobSpecs, Spec: jobSpecsSpec(
			val("type", tString),
		).WithAttributes(noAtomicity)},
	)

	r.Transforms(17,
		migrate.TransformStep{Table: OrderedByID, Spec: orderedByID(
			val("events", tAny),
			val("alerts", tAny),
			val("slot_index", tInt64),
			val("unrecognized_spec", tAny),
			val("full_spec", tAny),
		)},
	)

	r.Transforms(18,
		migrate.TransformStep{Table: Jobs, Spec: jobsV16(nil,
			val("update_time", tInt64),
		)},
	)

	r.Transforms(19,
		migrate.TransformStep{Table: Stderrs, Spec: stderrsSpec(hashedJobIDKeys()).WithAttributes(noAtomicity)},
	)

	r.Transforms(20,
		migrate.TransformStep{Table: Jobs, Spec: jobsV16([]types.Column{
			val("has_spec", tBoolean),
		}, val("update_time", tInt64))},
	)

	r.Transforms(21,
		migrate.TransformStep{
			Table: FailContexts,
			Spec: migrate.NewTableSpec(hashedJobIDKeys(), []types.Column{
				val("fail_context", tString),
			}).WithAttributes(noAtomicity),
			UseDefaultMapper: true,
		},
		migrate.TransformStep{Table: Jobs, Spec: jobsV16([]types.Column{
			val("has_spec", tBoolean),
			val("has_fail_context", tBoolean),
		}, val("update_time", tInt64))},
	)

	r.Transforms(22,
		migrate.TransformStep{Table: OrderedByID, Spec: orderedByID(
			val("events", tAny),
			val("alerts", tAny),
			val("slot_index", tInt64),
			val("unrecognized_spec", tAny),
			val("full_spec", tAny),
			val("runtime_parameters", tAny),
		)},
	)

	r.Transforms(23,
		migrate.TransformStep{Table: Jobs, Spec: jobsV16([]types.Column{
			val("has_spec", tBoolean),
			val("has_fail_context", tBoolean),
			val("fail_context_size", tUint64),
		}, val("update_time", tInt64))},
	)
	r.Actions(23,
		migrate.TTLOneWeek(Stderrs),
		migrate.TTLOneWeek(FailContexts),
	)

	r.Transforms(24,
		migrate.TransformStep{Table: OrderedByStartTime, Spec: orderedByStartTime(
			val("pool", tString),
			val("pools", tAny),
			val("has_failed_jobs", tBoolean),
		)},
	)

	for _, table := range Tables {
		r.Actions(25, migrate.DisallowObsoleteRows(table))
	}
	for _, table := range Tables {
		r.Actions(25, migrate.PartitionSizeOptions(table))
	}
	r.Actions(25,
		migrate.FixedPivotReshard{Table: Jobs, PerCellFactor: 5, Bundle: SysBundle},
		migrate.FixedPivotReshard{Table: OrderedByID, PerCellFactor: 5, Bundle: SysBundle},
	)

	return r
}
