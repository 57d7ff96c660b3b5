package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

// countingProvider wraps the static provider and counts backend calls.
type countingProvider struct {
	model.Provider
	embedCalls  atomic.Int32
	expandCalls atomic.Int32
	rerankCalls atomic.Int32
	failEmbed   bool
}

func newCountingProvider() *countingProvider {
	return &countingProvider{Provider: model.NewStaticProvider()}
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls.Add(1)
	if c.failEmbed {
		return nil, xerr.New(xerr.KindModelUnavailable, "backend down")
	}
	return c.Provider.Embed(ctx, text)
}

func (c *countingProvider) ExpandQuery(ctx context.Context, query string) ([]model.Variant, error) {
	c.expandCalls.Add(1)
	return []model.Variant{{Text: "expanded " + query, Route: model.RouteVec}}, nil
}

func (c *countingProvider) Rerank(ctx context.Context, query, passage string) (float64, error) {
	c.rerankCalls.Add(1)
	return 0.75, nil
}

func newTestMeta(t *testing.T) store.MetadataStore {
	t.Helper()
	meta, err := store.OpenSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	return meta
}

func TestQueryText(t *testing.T) {
	assert.Equal(t, "search_query: backup schedule", QueryText("  backup schedule "))
}

func TestDocumentText(t *testing.T) {
	got := DocumentText("Infra Notes", "Backups", "Nightly at 2am.")
	assert.Equal(t, "search_document: Infra Notes\nBackups\nNightly at 2am.", got)

	// Heading identical to the title is not repeated.
	got = DocumentText("Infra Notes", "Infra Notes", "Body.")
	assert.Equal(t, "search_document: Infra Notes\nBody.", got)

	got = DocumentText("", "", "Just a body.")
	assert.Equal(t, "search_document: Just a body.", got)
}

func TestEmbedChunkUsesStoreAcrossInstances(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	provider := newCountingProvider()

	first := NewCache(provider, meta, 8)
	vec, err := first.EmbedChunk(ctx, "hash-1", "Title", "", "chunk body text")
	require.NoError(t, err)
	require.NotEmpty(t, vec)
	assert.Equal(t, int32(1), provider.embedCalls.Load())

	// Same instance: LRU hit.
	again, err := first.EmbedChunk(ctx, "hash-1", "Title", "", "chunk body text")
	require.NoError(t, err)
	assert.Equal(t, vec, again)
	assert.Equal(t, int32(1), provider.embedCalls.Load())

	// Fresh instance over the same store: persistent hit, no provider call.
	second := NewCache(provider, meta, 8)
	again, err = second.EmbedChunk(ctx, "hash-1", "Title", "", "chunk body text")
	require.NoError(t, err)
	assert.Equal(t, vec, again)
	assert.Equal(t, int32(1), provider.embedCalls.Load())
}

func TestEmbedChunkPropagatesUnavailable(t *testing.T) {
	meta := newTestMeta(t)
	provider := newCountingProvider()
	provider.failEmbed = true

	cache := NewCache(provider, meta, 8)
	_, err := cache.EmbedChunk(context.Background(), "hash-x", "", "", "body")
	require.Error(t, err)
	assert.True(t, xerr.IsKind(err, xerr.KindModelUnavailable))

	// Failures are not cached.
	provider.failEmbed = false
	_, err = cache.EmbedChunk(context.Background(), "hash-x", "", "", "body")
	require.NoError(t, err)
}

func TestEmbedQueryMemoized(t *testing.T) {
	ctx := context.Background()
	provider := newCountingProvider()
	cache := NewCache(provider, newTestMeta(t), 8)

	a, err := cache.EmbedQuery(ctx, "backup schedule")
	require.NoError(t, err)
	b, err := cache.EmbedQuery(ctx, "backup schedule")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), provider.embedCalls.Load())

	_, err = cache.EmbedQuery(ctx, "different query")
	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.embedCalls.Load())
}

func TestExpandQueryCachedPersistently(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	provider := newCountingProvider()

	cache := NewCache(provider, meta, 8)
	variants, err := cache.ExpandQuery(ctx, "backup schedule")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "expanded backup schedule", variants[0].Text)
	assert.Equal(t, int32(1), provider.expandCalls.Load())

	// New instance, same store: served from the cache table.
	second := NewCache(provider, meta, 8)
	variants, err = second.ExpandQuery(ctx, "backup schedule")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, int32(1), provider.expandCalls.Load())
}

func TestRerankScoreCached(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	provider := newCountingProvider()

	cache := NewCache(provider, meta, 8)
	score, err := cache.RerankScore(ctx, "q", "passage one")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, score, 1e-9)

	score, err = cache.RerankScore(ctx, "q", "passage one")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, score, 1e-9)
	assert.Equal(t, int32(1), provider.rerankCalls.Load())

	// A different passage is a different key.
	_, err = cache.RerankScore(ctx, "q", "passage two")
	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.rerankCalls.Load())
}
