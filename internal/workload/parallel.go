package workload

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chunk is a contiguous, inclusive sub-range of a summation domain.
type Chunk struct {
	Index int
	Start int64
	End   int64
}

// PartialResult is the modular sum of one chunk. Each slot is written by
// exactly one sub-worker and read only after the join barrier.
type PartialResult struct {
	ChunkIndex int
	Value      int64
}

// Partition splits [1, n] into m contiguous chunks. Chunk i covers
// [i*c+1, (i+1)*c] with c = n/m, and the final chunk also absorbs the
// n%m leftover elements. Chunks may be empty (End < Start) when m > n.
func Partition(n int64, m int) []Chunk {
	if m < 1 {
		return nil
	}
	chunks := make([]Chunk, m)
	size := n / int64(m)
	for i := range m {
		c := Chunk{
			Index: i,
			Start: int64(i)*size + 1,
			End:   int64(i+1) * size,
		}
		if i == m-1 {
			c.End += n % int64(m)
		}
		chunks[i] = c
	}
	return chunks
}

// ParallelSum computes RangeSumMod(1, n) by summing m chunks concurrently
// and combining the partial results in chunk order. It blocks until every
// sub-worker has returned. If any sub-worker fails, the remaining ones are
// cancelled and the first error is returned with no partial result.
func ParallelSum(ctx context.Context, n int64, m int) (int64, error) {
	if m < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidParallelism, m)
	}

	start := time.Now()
	chunks := Partition(n, m)
	partials := make([]PartialResult, m)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("chunk %d panicked: %v", c.Index, r)
				}
			}()

			v, err := rangeSumMod(gctx, c.Start, c.End)
			if err != nil {
				return fmt.Errorf("chunk %d [%d, %d]: %w", c.Index, c.Start, c.End, err)
			}
			partials[c.Index] = PartialResult{ChunkIndex: c.Index, Value: v}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		summationsTotal.WithLabelValues(resultFailed).Inc()
		return 0, fmt.Errorf("parallel sum over %d chunks: %w", m, err)
	}

	var total int64
	for _, p := range partials {
		total = mod(total + p.Value)
	}

	summationsTotal.WithLabelValues(resultOK).Inc()
	summationChunks.Observe(float64(m))
	summationDuration.Observe(time.Since(start).Seconds())
	return total, nil
}
