package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchFetcher reads many objects in parallel while returning them in
// request order.
type BatchFetcher struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchFetcher creates a new batch fetcher.
// storage: the ObjectStorage implementation to read from
// concurrency: maximum number of parallel reads
func NewBatchFetcher(storage ObjectStorage, concurrency int) *BatchFetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchFetcher{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Fetch returns the content of every object, result[i] belonging to
// objectPaths[i]. The first failure cancels outstanding reads and is returned.
func (b *BatchFetcher) Fetch(ctx context.Context, objectPaths []string) ([][]byte, error) {
	result := make([][]byte, len(objectPaths))
	if len(objectPaths) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(b.concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i, p := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(fmt.Errorf("semaphore acquire failed: %w", err))
			break
		}

		wg.Add(1)
		go func(i int, path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, path)
			if err != nil {
				fail(fmt.Errorf("fetch %s: %w", path, err))
				return
			}
			result[i] = data
		}(i, p)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}
