package embed

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchEmbedAll(t *testing.T) {
	meta := newTestMeta(t)
	provider := newCountingProvider()
	cache := NewCache(provider, meta, 8)

	batcher, err := NewBatcher(cache, 2)
	require.NoError(t, err)
	defer batcher.Close()

	result, err := batcher.EmbedAll(context.Background(), []ChunkInput{
		{ChunkHash: "h1", Title: "Doc", Body: "first chunk"},
		{ChunkHash: "h2", Title: "Doc", Body: "second chunk"},
		{ChunkHash: "h1", Title: "Doc", Body: "first chunk"},
		{ChunkHash: "", Body: "ignored"},
	})
	require.NoError(t, err)

	sort.Strings(result.Embedded)
	assert.Equal(t, []string{"h1", "h2"}, result.Embedded)
	assert.Empty(t, result.Failed)
	// The duplicate h1 collapsed to a single provider call.
	assert.Equal(t, int32(2), provider.embedCalls.Load())

	// Re-running the batch serves everything from the store.
	result, err = batcher.EmbedAll(context.Background(), []ChunkInput{
		{ChunkHash: "h1", Body: "first chunk"},
		{ChunkHash: "h2", Body: "second chunk"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Embedded, 2)
	assert.Equal(t, int32(2), provider.embedCalls.Load())
}

func TestBatchCollectsUnavailable(t *testing.T) {
	meta := newTestMeta(t)
	provider := newCountingProvider()
	provider.failEmbed = true
	cache := NewCache(provider, meta, 8)

	batcher, err := NewBatcher(cache, 2)
	require.NoError(t, err)
	defer batcher.Close()

	result, err := batcher.EmbedAll(context.Background(), []ChunkInput{
		{ChunkHash: "h1", Body: "first"},
		{ChunkHash: "h2", Body: "second"},
	})
	require.NoError(t, err, "backend outages degrade, they do not abort")

	sort.Strings(result.Failed)
	assert.Equal(t, []string{"h1", "h2"}, result.Failed)
	assert.Empty(t, result.Embedded)
}

func TestBatchEmptyInput(t *testing.T) {
	cache := NewCache(newCountingProvider(), newTestMeta(t), 8)
	batcher, err := NewBatcher(cache, 0)
	require.NoError(t, err)
	defer batcher.Close()

	result, err := batcher.EmbedAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Embedded)
	assert.Empty(t, result.Failed)
}
