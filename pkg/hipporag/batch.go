package hipporag

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency is the permit count RunBatchSessions uses unless
// the caller overrides it.
const DefaultBatchConcurrency = 4

// BatchResult pairs one sample's outcome with its original index, so a
// caller can rebuild an ordered slice even though samples complete out of
// order under concurrency.
type BatchResult[T any] struct {
	Index int
	Value T
	Err   error
}

// RunBatchSessions builds one HippoRAG session per sample via newSession,
// runs op against it, and closes the session afterward, bounded to
// maxConcurrent sessions in flight at once (DefaultBatchConcurrency if <= 0).
// Samples share no mutable state — each gets its own session and, per
// newSession's own Config, its own SaveDir/DBPath — so no cross-sample
// locking is required. A failing sample's error is captured in its own
// BatchResult rather than aborting the rest of the batch.
func RunBatchSessions[S any, T any](
	ctx context.Context,
	samples []S,
	maxConcurrent int,
	newSession func(ctx context.Context, sample S) (*HippoRAG, error),
	op func(ctx context.Context, h *HippoRAG, sample S) (T, error),
) []BatchResult[T] {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultBatchConcurrency
	}

	results := make([]BatchResult[T], len(samples))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrent)

	for i, sample := range samples {
		i, sample := i, sample
		eg.Go(func() error {
			h, err := newSession(egCtx, sample)
			if err != nil {
				results[i] = BatchResult[T]{Index: i, Err: fmt.Errorf("batch session %d: new session: %w", i, err)}
				return nil
			}
			defer h.Close()

			v, err := op(egCtx, h, sample)
			results[i] = BatchResult[T]{Index: i, Value: v, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}
