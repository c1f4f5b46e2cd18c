package archive

import (
	"fmt"

	"github.com/arkilian/oparchive/pkg/types"
)

// timeShift is the three hours, in microseconds, that start and finish
// times were moved by at version 1.
const timeShift = int64(1000000 * 60 * 60 * 3)

func shiftTime(row types.Row, column string) error {
	switch v := row[column].(type) {
	case nil:
	case int64:
		row[column] = v + timeShift
	default:
		return fmt.Errorf("column %s: unexpected %T", column, v)
	}
	return nil
}

// ShiftStartFinishTime moves start_time and finish_time by three hours.
var ShiftStartFinishTime = types.Mapper{
	Name: "convert_start_finish_time",
	Map: func(row types.Row) ([]types.Row, error) {
		row = row.Clone()
		for _, c := range []string{"start_time", "finish_time"} {
			if err := shiftTime(row, c); err != nil {
				return nil, err
			}
		}
		return []types.Row{row}, nil
	},
}

// ShiftStartTime moves start_time by three hours.
var ShiftStartTime = types.Mapper{
	Name: "convert_start_time",
	Map: func(row types.Row) ([]types.Row, error) {
		row = row.Clone()
		if err := shiftTime(row, "start_time"); err != nil {
			return nil, err
		}
		return []types.Row{row}, nil
	},
}

// SwapIDWords exchanges the 32-bit halves of an id.
func SwapIDWords(id uint64) uint64 {
	return id>>32 | (id&0xffffffff)<<32
}

func swapColumns(row types.Row, columns ...string) error {
	for _, c := range columns {
		switch v := row[c].(type) {
		case nil:
		case uint64:
			row[c] = SwapIDWords(v)
		default:
			return fmt.Errorf("column %s: unexpected %T", c, v)
		}
	}
	return nil
}

var jobIDColumns = []string{"operation_id_hi", "operation_id_lo", "job_id_hi", "job_id_lo"}

// ConvertOperationID swaps the words of id_hi and id_lo.
var ConvertOperationID = types.Mapper{
	Name: "convert_id",
	Map: func(row types.Row) ([]types.Row, error) {
		row = row.Clone()
		if err := swapColumns(row, "id_hi", "id_lo"); err != nil {
			return nil, err
		}
		return []types.Row{row}, nil
	},
}

// ConvertJobID swaps the words of the operation and job id columns.
var ConvertJobID = types.Mapper{
	Name: "convert_job_id",
	Map: func(row types.Row) ([]types.Row, error) {
		row = row.Clone()
		if err := swapColumns(row, jobIDColumns...); err != nil {
			return nil, err
		}
		return []types.Row{row}, nil
	},
}

// ConvertJobIDAndType swaps the id words and renames job_type to type.
var ConvertJobIDAndType = types.Mapper{
	Name: "convert_job_id_and_job_type",
	Map: func(row types.Row) ([]types.Row, error) {
		row = row.Clone()
		if err := swapColumns(row, jobIDColumns...); err != nil {
			return nil, err
		}
		row["type"] = row["job_type"]
		delete(row, "job_type")
		return []types.Row{row}, nil
	},
}
