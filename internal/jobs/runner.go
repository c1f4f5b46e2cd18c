package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkilian/oparchive/internal/storage"
	"github.com/arkilian/oparchive/pkg/types"
)

const (
	// DefaultWorkers is the number of concurrent mapper goroutines.
	DefaultWorkers = 4

	// DefaultBatchSize is the number of source rows per mapped chunk.
	DefaultBatchSize = 1000

	chunkRoot = "jobs"
)

// Options configures a Runner.
type Options struct {
	Workers   int
	BatchSize int
}

// Runner executes map and sort jobs against a TableIO.
type Runner struct {
	io      TableIO
	staging storage.ObjectStorage
	opts    Options
	logger  *zap.Logger
}

// NewRunner creates a job runner. Mapped chunks are staged in staging.
func NewRunner(io TableIO, staging storage.ObjectStorage, opts Options, logger *zap.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{io: io, staging: staging, opts: opts, logger: logger}
}

// ChunkPrefix returns the object storage prefix holding the chunks of a job.
func ChunkPrefix(jobID string) string {
	return chunkRoot + "/" + jobID + "/"
}

func chunkPath(jobID string, n int) string {
	return fmt.Sprintf("%schunk-%06d", ChunkPrefix(jobID), n)
}

// RunMap runs spec.Mapper over every row of spec.Source and writes the output
// to spec.Destination. Staged chunks are removed whether or not the job succeeds.
func (r *Runner) RunMap(ctx context.Context, spec MapSpec) (result JobResult, err error) {
	if spec.Mapper.Map == nil {
		return JobResult{}, fmt.Errorf("jobs: map job %s -> %s has no mapper", spec.Source, spec.Destination)
	}

	workers, batchSize := r.opts.Workers, r.opts.BatchSize
	if spec.Workers > 0 {
		workers = spec.Workers
	}
	if spec.BatchSize > 0 {
		batchSize = spec.BatchSize
	}

	dstSchema, err := r.io.TableSchema(ctx, spec.Destination)
	if err != nil {
		return JobResult{}, err
	}

	jobID := uuid.New().String()
	log := r.logger.With(
		zap.String("job_id", jobID),
		zap.String("mapper", spec.Mapper.Name),
		zap.String("source", spec.Source),
		zap.String("destination", spec.Destination),
	)
	log.Info("Starting map job", zap.Int("workers", workers), zap.Int("batch_size", batchSize))
	start := time.Now()

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = multierr.Append(err, storage.DeletePrefix(cleanupCtx, r.staging, ChunkPrefix(jobID)))
	}()

	chunks, inputRows, err := r.mapPhase(ctx, jobID, spec, dstSchema, workers, batchSize)
	if err != nil {
		return JobResult{}, fmt.Errorf("jobs: map phase of %s failed: %w", jobID, err)
	}

	outputRows, checksum, err := r.loadPhase(ctx, jobID, spec.Destination, dstSchema, chunks, workers)
	if err != nil {
		return JobResult{}, fmt.Errorf("jobs: load phase of %s failed: %w", jobID, err)
	}

	log.Info("Map job finished",
		zap.Int64("input_rows", inputRows),
		zap.Int64("output_rows", outputRows),
		zap.Int("chunks", chunks),
		zap.Duration("elapsed", time.Since(start)),
	)

	return JobResult{
		JobID:      jobID,
		InputRows:  inputRows,
		OutputRows: outputRows,
		Checksum:   checksum,
	}, nil
}

// mapPhase maps source batches in parallel and stages one chunk per batch.
// It returns the number of chunks written and the number of rows read.
func (r *Runner) mapPhase(ctx context.Context, jobID string, spec MapSpec, schema types.TableSchema, workers, batchSize int) (int, int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var inputRows int64
	chunks := 0

	scanErr := r.io.ScanRows(gctx, spec.Source, batchSize, func(batch []types.Row) error {
		n := chunks
		chunks++
		atomic.AddInt64(&inputRows, int64(len(batch)))

		g.Go(func() error {
			out, err := mapBatch(spec.Mapper, schema, batch)
			if err != nil {
				return err
			}
			data, err := encodeChunk(out)
			if err != nil {
				return err
			}
			return r.staging.Put(gctx, chunkPath(jobID, n), data)
		})
		return gctx.Err()
	})

	// A worker failure cancels gctx, so the scan error is usually a consequence.
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	if scanErr != nil {
		return 0, 0, scanErr
	}
	return chunks, atomic.LoadInt64(&inputRows), nil
}

// loadPhase writes staged chunks into the destination in chunk order.
func (r *Runner) loadPhase(ctx context.Context, jobID, destination string, schema types.TableSchema, chunks, workers int) (int64, string, error) {
	paths := make([]string, chunks)
	for i := range paths {
		paths[i] = chunkPath(jobID, i)
	}

	fetcher := storage.NewBatchFetcher(r.staging, workers)
	columns := schema.UserColumns()

	var outputRows int64
	var encoded [][]byte

	// Fetch a bounded window at a time so a large job does not hold every chunk in memory.
	window := workers * 2
	for lo := 0; lo < len(paths); lo += window {
		hi := lo + window
		if hi > len(paths) {
			hi = len(paths)
		}
		blobs, err := fetcher.Fetch(ctx, paths[lo:hi])
		if err != nil {
			return 0, "", err
		}
		for i, blob := range blobs {
			rows, err := decodeChunk(blob)
			if err != nil {
				return 0, "", fmt.Errorf("chunk %s: %w", paths[lo+i], err)
			}
			for j, row := range rows {
				coerced, err := types.CoerceRow(schema, row)
				if err != nil {
					return 0, "", fmt.Errorf("chunk %s: %w", paths[lo+i], err)
				}
				rows[j] = coerced
				b, err := types.EncodeCanonical(columns, coerced)
				if err != nil {
					return 0, "", err
				}
				encoded = append(encoded, b)
			}
			if len(rows) == 0 {
				continue
			}
			if err := r.io.WriteRows(ctx, destination, rows); err != nil {
				return 0, "", err
			}
			outputRows += int64(len(rows))
		}
	}

	return outputRows, digest(encoded), nil
}

// RunSort rewrites spec.Destination with the rows of spec.Source ordered by the
// key columns of spec.Schema. Duplicate keys fail the job when the schema
// declares unique keys.
func (r *Runner) RunSort(ctx context.Context, spec SortSpec) error {
	if err := spec.Schema.Validate(); err != nil {
		return fmt.Errorf("jobs: sort %s: %w", spec.Source, err)
	}

	columns := make([]string, 0, spec.Schema.Len())
	for _, col := range spec.Schema.Columns() {
		columns = append(columns, col.Name)
	}

	var rows []types.Row
	err := r.io.ScanRows(ctx, spec.Source, r.opts.BatchSize, func(batch []types.Row) error {
		for _, row := range batch {
			coerced, err := types.CoerceRow(spec.Schema, row.Project(columns))
			if err != nil {
				return err
			}
			rows = append(rows, coerced)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("jobs: sort %s: %w", spec.Source, err)
	}

	types.SortRows(spec.Schema, rows)

	if spec.Schema.UniqueKeys() {
		if err := checkUniqueKeys(spec.Schema, rows); err != nil {
			return fmt.Errorf("jobs: sort %s: %w", spec.Source, err)
		}
	}

	r.logger.Info("Sorted table",
		zap.String("source", spec.Source),
		zap.String("destination", spec.Destination),
		zap.Int("rows", len(rows)),
		zap.Strings("sort_by", spec.Schema.KeyColumns()),
	)
	return r.io.ReplaceRows(ctx, spec.Destination, spec.Schema, rows)
}

// checkUniqueKeys expects rows sorted by key.
func checkUniqueKeys(schema types.TableSchema, rows []types.Row) error {
	keys := schema.KeyColumns()
	for i := 1; i < len(rows); i++ {
		a, _ := types.EncodeCanonical(keys, rows[i-1])
		b, _ := types.EncodeCanonical(keys, rows[i])
		if bytes.Equal(a, b) {
			return fmt.Errorf("duplicate key %s", a)
		}
	}
	return nil
}

func mapBatch(mapper types.Mapper, schema types.TableSchema, batch []types.Row) ([]types.Row, error) {
	var out []types.Row
	for _, row := range batch {
		mapped, err := mapper.Map(row.Clone())
		if err != nil {
			return nil, fmt.Errorf("mapper %s: %w", mapper.Name, err)
		}
		for _, m := range mapped {
			coerced, err := types.CoerceRow(schema, m)
			if err != nil {
				return nil, fmt.Errorf("mapper %s: %w", mapper.Name, err)
			}
			out = append(out, coerced)
		}
	}
	return out, nil
}

func encodeChunk(rows []types.Row) ([]byte, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func decodeChunk(blob []byte) ([]types.Row, error) {
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []types.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}
