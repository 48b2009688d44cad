package hipporag

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBatchTestSession builds a HippoRAG instance without depending on *testing.T,
// since RunBatchSessions invokes newSession from worker goroutines and
// testify/testing's Fatal family may only be called from the test's own
// goroutine.
func newBatchTestSession(dir string) (*HippoRAG, error) {
	cfg := DefaultConfig()
	cfg.SaveDir = dir
	return NewWithClients(cfg, sumVectorClient{}, routerLLM{})
}

func TestRunBatchSessionsIndexesEachSampleInIsolation(t *testing.T) {
	docs := []string{
		"Paris is the capital of France.",
		"Berlin is the capital of Germany.",
		"Madrid is the capital of Spain.",
	}

	results := RunBatchSessions(context.Background(), docs, 2,
		func(ctx context.Context, doc string) (*HippoRAG, error) {
			return newBatchTestSession(t.TempDir())
		},
		func(ctx context.Context, h *HippoRAG, doc string) (int, error) {
			if err := h.Index(ctx, []string{doc}); err != nil {
				return 0, err
			}
			return h.ChunkStore.Len(), nil
		},
	)

	require.Len(t, results, len(docs))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.NoError(t, r.Err)
		assert.Equal(t, 1, r.Value)
	}
}

func TestRunBatchSessionsDefaultsConcurrencyToFour(t *testing.T) {
	var inFlight, maxInFlight int64
	samples := make([]int, 10)
	for i := range samples {
		samples[i] = i
	}

	results := RunBatchSessions(context.Background(), samples, 0,
		func(ctx context.Context, sample int) (*HippoRAG, error) {
			return newBatchTestSession(t.TempDir())
		},
		func(ctx context.Context, h *HippoRAG, sample int) (int, error) {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return sample, nil
		},
	)

	require.Len(t, results, len(samples))
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(DefaultBatchConcurrency))
	for i, r := range results {
		assert.Equal(t, i, r.Value)
	}
}

func TestRunBatchSessionsCapturesPerSampleErrorsWithoutAbortingOthers(t *testing.T) {
	samples := []string{"ok-0", "fail-1", "ok-2"}

	results := RunBatchSessions(context.Background(), samples, 4,
		func(ctx context.Context, sample string) (*HippoRAG, error) {
			return newBatchTestSession(t.TempDir())
		},
		func(ctx context.Context, h *HippoRAG, sample string) (string, error) {
			if sample == "fail-1" {
				return "", fmt.Errorf("synthetic failure for %s", sample)
			}
			return sample, nil
		},
	)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "ok-0", results[0].Value)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "ok-2", results[2].Value)
}

func TestRunBatchSessionsReportsNewSessionFailure(t *testing.T) {
	samples := []int{0, 1}
	results := RunBatchSessions(context.Background(), samples, 2,
		func(ctx context.Context, sample int) (*HippoRAG, error) {
			if sample == 0 {
				return nil, fmt.Errorf("boom")
			}
			return newBatchTestSession(t.TempDir())
		},
		func(ctx context.Context, h *HippoRAG, sample int) (int, error) {
			return sample, nil
		},
	)

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Value)
}
