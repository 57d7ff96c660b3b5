package index

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeparayno/obsidx/internal/chunk"
	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

type failingProvider struct {
	model.Provider
}

func (f *failingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, xerr.New(xerr.KindModelUnavailable, "backend down")
}

type indexStack struct {
	meta    store.MetadataStore
	text    store.TextIndex
	vector  store.VectorStore
	indexer *Indexer
}

func testParams() chunk.Params {
	p := chunk.DefaultParams()
	p.TargetTokens = 50
	p.Tolerance = 0.4
	p.OverlapRatio = 0
	return p
}

func newIndexStack(t *testing.T, provider model.Provider, params chunk.Params) *indexStack {
	t.Helper()

	meta, err := store.OpenSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	text, err := store.OpenTextIndex(t.TempDir(), string(store.TextBackendFTS5), store.DefaultTextConfig())
	require.NoError(t, err)
	t.Cleanup(func() { text.Close() })

	vector, err := store.NewHNSWStore(store.DefaultVectorConfig(model.StaticDimensions))
	require.NoError(t, err)
	t.Cleanup(func() { vector.Close() })

	if provider == nil {
		provider = model.NewStaticProvider()
	}
	cache := embed.NewCache(provider, meta, 32)

	ix, err := NewIndexer(meta, text, vector, cache, params, 2)
	require.NoError(t, err)
	t.Cleanup(ix.Close)

	return &indexStack{meta: meta, text: text, vector: vector, indexer: ix}
}

func noteInput(path, title, body string) DocumentInput {
	return DocumentInput{
		Collection: "notes",
		Path:       path,
		Title:      title,
		Content:    []byte(body),
		ModTime:    time.Now(),
	}
}

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = prefix
	}
	return strings.Join(parts, " ")
}

func TestIndexDocumentFirstTime(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	body := "# Alpha\n\n" + words("alpha", 30) + "\n"
	s, err := ts.indexer.IndexDocument(ctx, noteInput("alpha.md", "Alpha", body))
	require.NoError(t, err)

	assert.False(t, s.Skipped)
	assert.Equal(t, 1, s.ChunksAdded)
	assert.Zero(t, s.ChunksRemoved)
	assert.Equal(t, 1, s.Embedded)
	assert.Zero(t, s.Deferred)

	assert.Equal(t, 1, ts.text.Count())
	assert.Equal(t, 1, ts.vector.Count())

	doc, err := ts.meta.GetDocument(ctx, "notes", "alpha.md")
	require.NoError(t, err)
	assert.True(t, doc.Active)
}

func TestIndexDocumentUnchangedIsEmptyDiff(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	body := "# Alpha\n\n" + words("alpha", 30) + "\n"
	in := noteInput("alpha.md", "Alpha", body)

	_, err := ts.indexer.IndexDocument(ctx, in)
	require.NoError(t, err)

	s, err := ts.indexer.IndexDocument(ctx, in)
	require.NoError(t, err)
	assert.True(t, s.Skipped)
	assert.Zero(t, s.ChunksAdded)
	assert.Zero(t, s.ChunksRemoved)
}

func TestIndexDocumentAppendOnlyDiff(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	// Version 1 fits in one chunk under the 50-token target.
	v1 := "# Notes\n\n" + words("alpha", 40) + "\n"
	s, err := ts.indexer.IndexDocument(ctx, noteInput("log.md", "Notes", v1))
	require.NoError(t, err)
	require.Equal(t, 1, s.ChunksAdded)

	// Version 2 appends a section. The heading is the strongest breakpoint
	// in the tolerance band, so the first chunk's text, and therefore its
	// hash, is unchanged.
	v2 := v1 + "\n# Later\n\n" + words("omega", 40) + "\n"
	s, err = ts.indexer.IndexDocument(ctx, noteInput("log.md", "Notes", v2))
	require.NoError(t, err)

	assert.Equal(t, 1, s.ChunksUnchanged, "leading chunk is stable across the append")
	assert.Equal(t, 1, s.ChunksAdded, "only the appended section is new")
	assert.Zero(t, s.ChunksRemoved)
}

func TestIndexDocumentRewriteRemovesOldChunks(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	v1 := "# Old\n\n" + words("alpha", 30) + "\n"
	_, err := ts.indexer.IndexDocument(ctx, noteInput("doc.md", "Doc", v1))
	require.NoError(t, err)

	v2 := "# New\n\n" + words("omega", 30) + "\n"
	s, err := ts.indexer.IndexDocument(ctx, noteInput("doc.md", "Doc", v2))
	require.NoError(t, err)

	assert.Equal(t, 1, s.ChunksAdded)
	assert.Equal(t, 1, s.ChunksRemoved)
	assert.Zero(t, s.ChunksUnchanged)

	// The replaced chunk left both indexes.
	assert.Equal(t, 1, ts.text.Count())
	ids, err := ts.text.AllIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, chunk.HashText(v2), ids[0])
}

func TestSharedChunkSurvivesSiblingRemoval(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	ctx := context.Background()

	body := "# Shared\n\n" + words("shared", 30) + "\n"
	_, err := ts.indexer.IndexDocument(ctx, noteInput("a.md", "A", body))
	require.NoError(t, err)
	_, err = ts.indexer.IndexDocument(ctx, noteInput("b.md", "B", body))
	require.NoError(t, err)

	// One shared hash, one index entry.
	assert.Equal(t, 1, ts.text.Count())

	require.NoError(t, ts.indexer.RemoveDocument(ctx, "notes", "b.md"))

	// a.md still references the chunk, so the entry stays.
	assert.Equal(t, 1, ts.text.Count())
	assert.Equal(t, 1, ts.vector.Count())

	require.NoError(t, ts.indexer.RemoveDocument(ctx, "notes", "a.md"))
	assert.Equal(t, 0, ts.text.Count())
}

func TestRemoveDocumentMissingIsNoop(t *testing.T) {
	ts := newIndexStack(t, nil, testParams())
	require.NoError(t, ts.indexer.RemoveDocument(context.Background(), "notes", "ghost.md"))
}

func TestIndexDocumentDefersEmbeddingWhenModelDown(t *testing.T) {
	ts := newIndexStack(t, &failingProvider{Provider: model.NewStaticProvider()}, testParams())
	ctx := context.Background()

	body := "# Alpha\n\n" + words("alpha", 30) + "\n"
	s, err := ts.indexer.IndexDocument(ctx, noteInput("alpha.md", "Alpha", body))
	require.NoError(t, err, "a model outage must not fail ingestion")

	assert.Equal(t, 1, s.ChunksAdded)
	assert.Zero(t, s.Embedded)
	assert.Equal(t, 1, s.Deferred)

	// Text search still works, vectors are absent, and the chunk is queued.
	assert.Equal(t, 1, ts.text.Count())
	assert.Equal(t, 0, ts.vector.Count())

	pending, err := ts.meta.PendingEmbeds(ctx, "static-256", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDiffChunksDuplicateOccurrences(t *testing.T) {
	mk := func(hash string, seq int) *store.StoredChunk {
		return &store.StoredChunk{ChunkHash: hash, Seq: seq}
	}
	next := func(hash string, seq int) chunk.Chunk {
		return chunk.Chunk{Hash: hash, Seq: seq}
	}

	// Old doc holds the same hash twice; the new doc keeps one occurrence.
	// The hash is still present, so nothing is removed from the indexes.
	diff := diffChunks(
		[]*store.StoredChunk{mk("h1", 0), mk("h1", 1), mk("h2", 2)},
		[]chunk.Chunk{next("h1", 0), next("h3", 1)},
	)
	assert.Equal(t, 1, diff.Unchanged)
	require.Len(t, diff.ToAdd, 1)
	assert.Equal(t, "h3", diff.ToAdd[0].Hash)
	assert.Equal(t, []string{"h2"}, diff.ToRemove)

	// Duplicates inside the new doc collapse to one add.
	diff = diffChunks(nil, []chunk.Chunk{next("h9", 0), next("h9", 1)})
	require.Len(t, diff.ToAdd, 1)
	assert.Equal(t, "h9", diff.ToAdd[0].Hash)
}

func TestPathLocksSerializeSameKey(t *testing.T) {
	locks := newPathLocks()

	unlock := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		u := locks.Lock("a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second holder acquired the lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was never released to the waiter")
	}

	// Distinct keys do not contend.
	u1 := locks.Lock("x")
	u2 := locks.Lock("y")
	u1()
	u2()
}

type faultyTextIndex struct {
	store.TextIndex
	failNext bool
}

func (f *faultyTextIndex) Index(ctx context.Context, docs []*store.TextDoc) error {
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	return f.TextIndex.Index(ctx, docs)
}

func TestIndexDocumentActivatesAfterIndexWrites(t *testing.T) {
	ctx := context.Background()

	meta, err := store.OpenSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	text, err := store.OpenTextIndex(t.TempDir(), string(store.TextBackendFTS5), store.DefaultTextConfig())
	require.NoError(t, err)
	t.Cleanup(func() { text.Close() })
	faulty := &faultyTextIndex{TextIndex: text}

	vector, err := store.NewHNSWStore(store.DefaultVectorConfig(model.StaticDimensions))
	require.NoError(t, err)
	t.Cleanup(func() { vector.Close() })

	cache := embed.NewCache(model.NewStaticProvider(), meta, 32)
	ix, err := NewIndexer(meta, faulty, vector, cache, testParams(), 2)
	require.NoError(t, err)
	t.Cleanup(ix.Close)

	v1 := "# Travel\n\n" + words("harbor", 30) + "\n"
	s, err := ix.IndexDocument(ctx, noteInput("travel.md", "Travel", v1))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ChunksAdded)

	// A text-index failure mid-reindex must leave the previous revision
	// active so a retry is not short-circuited as unchanged.
	v2 := "# Travel\n\n" + words("zanzibar", 30) + "\n"
	faulty.failNext = true
	_, err = ix.IndexDocument(ctx, noteInput("travel.md", "Travel", v2))
	require.Error(t, err)

	doc, err := meta.GetDocument(ctx, "notes", "travel.md")
	require.NoError(t, err)
	assert.Equal(t, hashContent([]byte(v1)), doc.ContentHash)

	s, err = ix.IndexDocument(ctx, noteInput("travel.md", "Travel", v2))
	require.NoError(t, err)
	assert.False(t, s.Skipped, "retry must rechunk, not skip")
	assert.Equal(t, 1, s.ChunksAdded)
	assert.Equal(t, 1, s.ChunksRemoved)

	doc, err = meta.GetDocument(ctx, "notes", "travel.md")
	require.NoError(t, err)
	assert.Equal(t, hashContent([]byte(v2)), doc.ContentHash)

	hits, err := text.Search(ctx, "zanzibar", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits, "retried revision must be searchable")
}
