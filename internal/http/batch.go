package http

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives the completed fraction of a batch in [0, 1].
type ProgressFunc func(fraction float64)

// BatchResult collects the outcome of FetchMany.
type BatchResult struct {
	Data   map[int][]byte
	Failed map[int]error
}

// FailedChunks returns the failed chunk IDs in ascending order.
func (b *BatchResult) FailedChunks() []int {
	ids := make([]int, 0, len(b.Failed))
	for id := range b.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// FetchMany downloads every chunk from the first of its URLs, running at
// most Concurrency fetches at once. progress, if set, is called after each
// success. A failed chunk does not stop the others; it is reported in
// BatchResult.Failed. The returned error is non-nil only when ctx ends.
func (c *Client) FetchMany(ctx context.Context, urls map[int][]string, progress ProgressFunc) (*BatchResult, error) {
	res := &BatchResult{
		Data:   make(map[int][]byte, len(urls)),
		Failed: make(map[int]error),
	}
	if len(urls) == 0 {
		return res, nil
	}

	var (
		mu    sync.Mutex
		done  int
		total = len(urls)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for chunk, candidates := range urls {
		chunk, candidates := chunk, candidates
		if len(candidates) == 0 {
			mu.Lock()
			res.Failed[chunk] = ErrNotFound
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			r, err := c.Fetch(gctx, candidates[0], chunk, nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[chunk] = err
				return nil
			}
			res.Data[chunk] = r.Data
			done++
			if progress != nil {
				progress(float64(done) / float64(total))
			}
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}
