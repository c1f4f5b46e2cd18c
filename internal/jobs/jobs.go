// Package jobs runs the bulk row jobs of a table store: map jobs that copy a
// table through a row mapper and sort jobs that rewrite a table in key order.
//
// A map job reads its source in batches, maps the batches in parallel, stages
// every mapped batch as a compressed chunk in object storage and finally loads
// the chunks into the destination in batch order. A job blocks until the
// destination holds every output row or the job fails.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/arkilian/oparchive/pkg/types"
)

// TableIO is the row-level access a job needs from a table store.
type TableIO interface {
	// TableSchema returns the current schema of the table at path.
	TableSchema(ctx context.Context, path string) (types.TableSchema, error)

	// ScanRows calls fn with consecutive batches of at most batchSize rows.
	// Static tables are scanned in write order, dynamic tables in key order.
	// The batch slice is owned by fn.
	ScanRows(ctx context.Context, path string, batchSize int, fn func(batch []types.Row) error) error

	// WriteRows appends rows to a static table or upserts them into a dynamic one.
	WriteRows(ctx context.Context, path string, rows []types.Row) error

	// ReplaceRows stamps schema on a static table and replaces its content with rows.
	ReplaceRows(ctx context.Context, path string, schema types.TableSchema, rows []types.Row) error
}

// MapSpec describes a map job.
type MapSpec struct {
	Source      string
	Destination string
	Mapper      types.Mapper

	// Workers and BatchSize override the runner defaults when positive.
	Workers   int
	BatchSize int
}

// SortSpec describes a sort job. Destination receives the rows of Source
// ordered by the key columns of Schema.
type SortSpec struct {
	Source      string
	Destination string
	Schema      types.TableSchema
}

// JobResult summarizes a finished map job.
type JobResult struct {
	JobID      string
	InputRows  int64
	OutputRows int64

	// Checksum covers the user columns of every output row, see Checksum.
	Checksum string
}

// Checksum returns a hex SHA-256 digest over the canonical encodings of the
// user columns of rows. Encodings are sorted first, so the digest does not
// depend on row order.
func Checksum(schema types.TableSchema, rows []types.Row) (string, error) {
	columns := schema.UserColumns()
	encoded := make([][]byte, 0, len(rows))
	for _, row := range rows {
		b, err := types.EncodeCanonical(columns, row)
		if err != nil {
			return "", err
		}
		encoded = append(encoded, b)
	}
	return digest(encoded), nil
}

func digest(encoded [][]byte) string {
	sort.Slice(encoded, func(i, j int) bool {
		return string(encoded[i]) < string(encoded[j])
	})
	h := sha256.New()
	for _, b := range encoded {
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
