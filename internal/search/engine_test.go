package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeparayno/obsidx/internal/chunk"
	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

// failingProvider simulates an unreachable model backend while leaving the
// rest of the stack intact.
type failingProvider struct {
	model.Provider
}

func (f *failingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, xerr.New(xerr.KindModelUnavailable, "backend down")
}

func (f *failingProvider) Rerank(ctx context.Context, query, passage string) (float64, error) {
	return 0, xerr.New(xerr.KindModelUnavailable, "backend down")
}

type testStack struct {
	meta   store.MetadataStore
	text   store.TextIndex
	vector store.VectorStore
	cache  *embed.Cache
	engine *Engine
}

func newTestStack(t *testing.T, provider model.Provider) *testStack {
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

	engine, err := NewEngine(text, vector, meta, cache, DefaultConfig(),
		WithExpander(NewCombinedExpander(nil, nil)))
	require.NoError(t, err)

	return &testStack{meta: meta, text: text, vector: vector, cache: cache, engine: engine}
}

// seedNote indexes one single-chunk note across all three stores. The vector
// is computed with the offline provider directly so seeding works even when
// the stack under test uses a failing one.
func (ts *testStack) seedNote(t *testing.T, collection, path, title, body string) string {
	t.Helper()
	ctx := context.Background()

	contentHash := chunk.HashText(body)
	require.NoError(t, ts.meta.PutContent(ctx, contentHash, []byte(body)))

	chunkHash := chunk.HashText(body)
	doc := &store.Document{
		Collection:  collection,
		Path:        path,
		ContentHash: contentHash,
		Title:       title,
		Size:        int64(len(body)),
	}
	chunks := []*store.StoredChunk{{
		ContentHash: contentHash,
		Seq:         0,
		ChunkHash:   chunkHash,
		StartByte:   0,
		EndByte:     len(body),
		Tokens:      len(body) / 4,
		Text:        body,
	}}
	require.NoError(t, ts.meta.ActivateDocument(ctx, doc, chunks, nil, nil))

	require.NoError(t, ts.text.Index(ctx, []*store.TextDoc{{
		ID:    chunkHash,
		Title: title,
		Body:  body,
	}}))

	offline := model.NewStaticProvider()
	vec, err := offline.Embed(ctx, embed.DocumentText(title, "", body))
	require.NoError(t, err)
	require.NoError(t, ts.vector.Add(ctx, []string{chunkHash}, [][]float32{vec}))

	return chunkHash
}

func TestSearchFullPipeline(t *testing.T) {
	ts := newTestStack(t, nil)
	ts.seedNote(t, "notes", "infra/backups.md", "Backup Runbook",
		"The nightly backup schedule runs at 2am and ships snapshots offsite.")
	ts.seedNote(t, "notes", "cooking/bread.md", "Sourdough",
		"Sourdough hydration ratios and proofing schedules for weekend bakes.")
	ts.seedNote(t, "notes", "garden/compost.md", "Compost",
		"Compost pile maintenance and layering green and brown material.")

	resp, err := ts.engine.Search(context.Background(), "backup schedule", Options{Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	assert.Equal(t, "infra/backups.md", resp.Results[0].Document.Path)
	assert.Contains(t, resp.Results[0].Chunk.Text, "backup schedule")
	assert.Empty(t, resp.Degraded, "healthy stack runs the full pipeline")

	// One result per document.
	seen := make(map[int64]bool)
	for _, r := range resp.Results {
		assert.False(t, seen[r.Document.ID], "documents must be deduplicated")
		seen[r.Document.ID] = true
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	ts := newTestStack(t, nil)
	resp, err := ts.engine.Search(context.Background(), "   ", Options{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearchModelDownDegradesToLexical(t *testing.T) {
	ts := newTestStack(t, &failingProvider{Provider: model.NewStaticProvider()})
	ts.seedNote(t, "notes", "infra/backups.md", "Backup Runbook",
		"The nightly backup schedule runs at 2am.")
	ts.seedNote(t, "notes", "cooking/bread.md", "Sourdough",
		"Sourdough hydration ratios for weekend bakes.")

	resp, err := ts.engine.Search(context.Background(), "backup schedule", Options{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results, "lexical hits survive a model outage")

	assert.Equal(t, []Stage{StageVector, StageRerank}, resp.Degraded)
	assert.Equal(t, "infra/backups.md", resp.Results[0].Document.Path)
}

func TestSearchLexicalOnlyOption(t *testing.T) {
	ts := newTestStack(t, nil)
	ts.seedNote(t, "notes", "infra/backups.md", "Backup Runbook",
		"The nightly backup schedule runs at 2am.")

	resp, err := ts.engine.Search(context.Background(), "backup schedule",
		Options{Limit: 5, LexicalOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	// A caller choice, not a degradation.
	assert.Empty(t, resp.Degraded)
}

func TestSearchCollectionFilter(t *testing.T) {
	ts := newTestStack(t, nil)
	ts.seedNote(t, "work", "projects/backup.md", "Work Backups",
		"Backup schedule for the production databases.")
	ts.seedNote(t, "personal", "home/backup.md", "Home Backups",
		"Backup schedule for the home NAS and family photos.")

	resp, err := ts.engine.Search(context.Background(), "backup schedule",
		Options{Limit: 5, Collection: "work"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, "work", r.Document.Collection)
	}
}

func TestSearchDropsInactiveVectorHits(t *testing.T) {
	ts := newTestStack(t, nil)
	ctx := context.Background()

	// Version 1 of the note goes into every store.
	oldHash := ts.seedNote(t, "notes", "physics.md", "Physics",
		"Quantum chromodynamics lattice calculations and gauge theory notes.")

	// Version 2 replaces it. The text index is updated synchronously, but
	// the old vector stays behind, as lazy deletion leaves it.
	newBody := "Gardening tips and compost layering for spring."
	newContent := chunk.HashText(newBody)
	require.NoError(t, ts.meta.PutContent(ctx, newContent, []byte(newBody)))
	require.NoError(t, ts.meta.ActivateDocument(ctx, &store.Document{
		Collection:  "notes",
		Path:        "physics.md",
		ContentHash: newContent,
		Title:       "Gardening",
	}, []*store.StoredChunk{{
		ContentHash: newContent,
		ChunkHash:   chunk.HashText(newBody),
		EndByte:     len(newBody),
		Text:        newBody,
	}}, nil, nil))
	require.NoError(t, ts.text.Delete(ctx, []string{oldHash}))

	resp, err := ts.engine.Search(ctx, "quantum chromodynamics lattice", Options{Limit: 5})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotContains(t, r.Chunk.Text, "Quantum",
			"stale vector hits must be filtered by the active-document join")
	}
}

func TestSearchCancelled(t *testing.T) {
	ts := newTestStack(t, nil)
	ts.seedNote(t, "notes", "a.md", "A", "Some indexed words here.")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ts.engine.Search(ctx, "indexed words", Options{})
	require.Error(t, err)
	assert.True(t, xerr.IsKind(err, xerr.KindCancelled))
}

func TestRepresentativePrefersKeywordOverlap(t *testing.T) {
	e := &Engine{}
	doc := &store.Document{ID: 1}
	mk := func(text string, rank int) docCandidate {
		return docCandidate{
			ref:       &store.ChunkRef{Document: doc, Chunk: &store.StoredChunk{Text: text}},
			fusedRank: rank,
		}
	}

	// The better-fused chunk has no query keywords; the keyword-bearing
	// chunk advances instead.
	got := e.representative("backup schedule", []docCandidate{
		mk("project deadlines and quarterly milestones", 1),
		mk("the backup schedule runs nightly", 2),
	})
	assert.Contains(t, got.ref.Chunk.Text, "backup schedule")

	// Equal overlap falls back to fused rank.
	got = e.representative("backup schedule", []docCandidate{
		mk("backup schedule part one", 1),
		mk("backup schedule part two", 2),
	})
	assert.Equal(t, 1, got.fusedRank)
}
