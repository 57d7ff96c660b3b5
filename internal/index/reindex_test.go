package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/model"
)

func TestSyncCollection(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	inputs := []DocumentInput{
		noteInput("a.md", "A", "# A\n\n"+words("alpha", 20)+"\n"),
		noteInput("b.md", "B", "# B\n\n"+words("beta", 20)+"\n"),
	}
	s, err := ts.indexer.SyncCollection(ctx, "notes", inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Indexed)
	assert.Zero(t, s.Skipped)
	assert.Zero(t, s.Removed)
	assert.False(t, s.Full)

	// Second pass with one file unchanged, one modified, one gone.
	inputs = []DocumentInput{
		noteInput("a.md", "A", "# A\n\n"+words("alpha", 20)+"\n"),
		noteInput("c.md", "C", "# C\n\n"+words("gamma", 20)+"\n"),
	}
	s, err = ts.indexer.SyncCollection(ctx, "notes", inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Indexed, "only the new file is indexed")
	assert.Equal(t, 1, s.Skipped, "the unchanged file is skipped")
	assert.Equal(t, 1, s.Removed, "the vanished file is removed")

	_, err = ts.meta.GetDocument(ctx, "notes", "b.md")
	require.Error(t, err, "removed document is no longer active")
}

func TestCheckFingerprintDetectsParamChange(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	_, err := ts.indexer.SyncCollection(ctx, "notes", []DocumentInput{
		noteInput("a.md", "A", "# A\n\n"+words("alpha", 20)+"\n"),
	})
	require.NoError(t, err)

	full, err := ts.indexer.CheckFingerprint(ctx)
	require.NoError(t, err)
	assert.False(t, full, "matching fingerprint allows incremental diffs")

	// A second indexer with different chunking parameters over the same
	// store must refuse the incremental path.
	changed := testParams()
	changed.TargetTokens = 200
	cache := embed.NewCache(model.NewStaticProvider(), ts.meta, 8)
	other, err := NewIndexer(ts.meta, ts.text, ts.vector, cache, changed, 1)
	require.NoError(t, err)
	defer other.Close()

	full, err = other.CheckFingerprint(ctx)
	require.NoError(t, err)
	assert.True(t, full)

	s, err := other.SyncCollection(ctx, "notes", []DocumentInput{
		noteInput("a.md", "A", "# A\n\n"+words("alpha", 20)+"\n"),
	})
	require.NoError(t, err)
	assert.True(t, s.Full)
	assert.Equal(t, 1, s.Indexed, "full rebuild reindexes unchanged content")

	// The new fingerprint is recorded, so the next pass is incremental.
	full, err = other.CheckFingerprint(ctx)
	require.NoError(t, err)
	assert.False(t, full)
}

func TestRetryPendingEmbedsDeferredChunks(t *testing.T) {
	down := newIndexStack(t, &failingProvider{Provider: model.NewStaticProvider()}, testParams())
	ctx := context.Background()

	body := "# Alpha\n\n" + words("alpha", 20) + "\n"
	s, err := down.indexer.IndexDocument(ctx, noteInput("alpha.md", "Alpha", body))
	require.NoError(t, err)
	require.Equal(t, 1, s.Deferred)
	require.Equal(t, 0, down.vector.Count())

	// The backend comes back: a healthy indexer over the same stores
	// drains the queue.
	cache := embed.NewCache(model.NewStaticProvider(), down.meta, 8)
	healthy, err := NewIndexer(down.meta, down.text, down.vector, cache, testParams(), 1)
	require.NoError(t, err)
	defer healthy.Close()

	n, err := healthy.RetryPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, down.vector.Count())

	pending, err := down.meta.PendingEmbeds(ctx, "static-256", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing left to retry.
	n, err = healthy.RetryPending(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryPendingClearsOrphans(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	// A pending hash whose document no longer exists is dropped, not
	// retried forever.
	require.NoError(t, ts.meta.EnqueuePendingEmbeds(ctx, []string{"gone-hash"}, "static-256"))

	n, err := ts.indexer.RetryPending(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := ts.meta.PendingEmbeds(ctx, "static-256", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStatsAfterIndexing(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	in := noteInput("a.md", "A", "# A\n\n"+words("alpha", 20)+"\n")
	in.Tags = []string{"project", "infra"}
	in.Links = []string{"b.md"}
	_, err := ts.indexer.IndexDocument(ctx, in)
	require.NoError(t, err)

	stats, err := ts.meta.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 1, stats.ChunkCount)
	assert.Equal(t, 1, stats.EmbeddingCount)
	assert.Equal(t, 2, stats.TagCount)
	assert.Equal(t, 1, stats.LinkCount)
}
