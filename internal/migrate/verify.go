package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	errs "github.com/arkilian/oparchive/internal/errors"
	"github.com/arkilian/oparchive/internal/jobs"
	"github.com/arkilian/oparchive/internal/store"
	"github.com/arkilian/oparchive/pkg/types"
)

// RowScanner is implemented by clients that can read a table's rows. The
// verification gate uses it to checksum a rebuilt table.
type RowScanner interface {
	TableSchema(ctx context.Context, path string) (types.TableSchema, error)
	ScanRows(ctx context.Context, path string, batchSize int, fn func([]types.Row) error) error
}

// Verify checks a rebuilt table against the job that filled it. The row
// count of the table must match the job output, and the output must match
// the input unless allowRowCountChange is set. When the client is a
// RowScanner the table checksum must match the job checksum too.
func Verify(ctx context.Context, c store.Client, logger *zap.Logger, path string, job jobs.JobResult, allowRowCountChange bool) error {
	if !allowRowCountChange && job.InputRows != job.OutputRows {
		return errs.NewIntegrityError(errs.CodeRowCountMismatch,
			fmt.Sprintf("job %s read %d rows but wrote %d", job.JobID, job.InputRows, job.OutputRows)).
			WithDetails(map[string]interface{}{"path": path, "input_rows": job.InputRows, "output_rows": job.OutputRows})
	}

	v, err := c.Get(ctx, path, store.AttrRowCount)
	if err != nil {
		return err
	}
	count, ok := v.(int64)
	if !ok || count != job.OutputRows {
		return errs.NewIntegrityError(errs.CodeRowCountMismatch,
			fmt.Sprintf("%s holds %v rows, job %s wrote %d", path, v, job.JobID, job.OutputRows)).
			WithDetails(map[string]interface{}{"path": path, "row_count": v, "output_rows": job.OutputRows})
	}

	scanner, ok := c.(RowScanner)
	if !ok {
		logger.Warn("Store cannot scan rows, skipping checksum verification", zap.String("path", path))
		return nil
	}
	schema, err := scanner.TableSchema(ctx, path)
	if err != nil {
		return err
	}
	var rows []types.Row
	if err := scanner.ScanRows(ctx, path, 0, func(batch []types.Row) error {
		rows = append(rows, batch...)
		return nil
	}); err != nil {
		return err
	}
	sum, err := jobs.Checksum(schema, rows)
	if err != nil {
		return errs.NewInternalError("checksum "+path, err)
	}
	if sum != job.Checksum {
		return errs.NewIntegrityError(errs.CodeChecksumMismatch,
			fmt.Sprintf("%s checksum %s does not match job %s checksum %s", path, sum, job.JobID, job.Checksum)).
			WithDetails(map[string]interface{}{"path": path})
	}

	logger.Debug("Verified rebuilt table",
		zap.String("path", path),
		zap.Int64("rows", count),
		zap.String("checksum", sum))
	return nil
}
