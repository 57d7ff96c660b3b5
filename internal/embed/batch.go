package embed

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/leeparayno/obsidx/internal/xerr"
)

// DefaultWorkers is the embedding pool size. Small because a local Ollama
// serializes requests anyway; the pool mostly hides cache and store latency.
const DefaultWorkers = 4

// ChunkInput is one chunk to embed.
type ChunkInput struct {
	ChunkHash string
	Title     string
	Heading   string
	Body      string
}

// BatchResult reports a batch by chunk hash. Failed holds hashes the model
// backend could not serve; callers queue those for a later retry.
type BatchResult struct {
	Embedded []string
	Failed   []string
}

// Batcher embeds chunks in parallel on a shared worker pool. Duplicate
// hashes within a batch collapse to one provider call.
type Batcher struct {
	cache *Cache
	pool  *ants.Pool
}

// NewBatcher creates a batcher with the given worker count. workers <= 0
// uses DefaultWorkers.
func NewBatcher(cache *Cache, workers int) (*Batcher, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Batcher{cache: cache, pool: pool}, nil
}

// EmbedAll embeds every distinct chunk in the batch. Hashes already embedded
// are counted as Embedded without a provider call. ModelUnavailable failures
// are collected into Failed rather than aborting; any other error cancels
// the remaining work and is returned after in-flight tasks drain.
func (b *Batcher) EmbedAll(ctx context.Context, chunks []ChunkInput) (BatchResult, error) {
	distinct := make([]ChunkInput, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if c.ChunkHash == "" || seen[c.ChunkHash] {
			continue
		}
		seen[c.ChunkHash] = true
		distinct = append(distinct, c)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		result   BatchResult
		firstErr error
	)

	for _, c := range distinct {
		if ctx.Err() != nil {
			break
		}
		c := c
		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()
			_, err := b.cache.EmbedChunk(ctx, c.ChunkHash, c.Title, c.Heading, c.Body)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Embedded = append(result.Embedded, c.ChunkHash)
			case xerr.IsKind(err, xerr.KindModelUnavailable):
				result.Failed = append(result.Failed, c.ChunkHash)
			default:
				if firstErr == nil {
					firstErr = err
					cancel()
				}
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = err
				cancel()
			}
			mu.Unlock()
			break
		}
	}

	wg.Wait()

	if firstErr != nil {
		return result, firstErr
	}
	if err := ctx.Err(); err != nil && len(result.Embedded)+len(result.Failed) < len(distinct) {
		return result, xerr.Wrap(xerr.KindCancelled, "embed batch", err)
	}
	return result, nil
}

// Close releases the worker pool.
func (b *Batcher) Close() {
	b.pool.Release()
}
