package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeparayno/obsidx/internal/chunk"
	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/search"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

type serverStack struct {
	meta   store.MetadataStore
	text   store.TextIndex
	vector store.VectorStore
	server *Server
}

func newServerStack(t *testing.T) *serverStack {
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

	cache := embed.NewCache(model.NewStaticProvider(), meta, 32)
	engine, err := search.NewEngine(text, vector, meta, cache, search.DefaultConfig(),
		search.WithExpander(search.NewCombinedExpander(nil, nil)))
	require.NoError(t, err)

	server, err := NewServer(engine, meta, cache, nil)
	require.NoError(t, err)
	return &serverStack{meta: meta, text: text, vector: vector, server: server}
}

func (ss *serverStack) seedNote(t *testing.T, path, title, body string, tags, links []string) {
	t.Helper()
	ctx := context.Background()

	contentHash := chunk.HashText(body)
	require.NoError(t, ss.meta.PutContent(ctx, contentHash, []byte(body)))

	doc := &store.Document{
		Collection:  "notes",
		Path:        path,
		ContentHash: contentHash,
		Title:       title,
		Size:        int64(len(body)),
	}
	chunks := []*store.StoredChunk{{
		ContentHash: contentHash,
		ChunkHash:   contentHash,
		EndByte:     len(body),
		Tokens:      len(body) / 4,
		Text:        body,
	}}
	require.NoError(t, ss.meta.ActivateDocument(ctx, doc, chunks, tags, links))
	require.NoError(t, ss.text.Index(ctx, []*store.TextDoc{{ID: contentHash, Title: title, Body: body}}))

	vec, err := model.NewStaticProvider().Embed(ctx, embed.DocumentText(title, "", body))
	require.NoError(t, err)
	require.NoError(t, ss.vector.Add(ctx, []string{contentHash}, [][]float32{vec}))
}

func TestServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestSearchTool(t *testing.T) {
	ss := newServerStack(t)
	ss.seedNote(t, "infra/backups.md", "Backup Runbook",
		"The nightly backup schedule runs at 2am and ships snapshots offsite.", nil, nil)
	ss.seedNote(t, "cooking/bread.md", "Sourdough",
		"Sourdough hydration ratios and proofing notes for weekend bakes.", nil, nil)

	_, out, err := ss.server.searchHandler(context.Background(), nil, SearchInput{Query: "backup schedule"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)

	top := out.Results[0]
	assert.Equal(t, "infra/backups.md", top.Path)
	assert.Equal(t, "notes", top.Collection)
	assert.Equal(t, "Backup Runbook", top.Title)
	assert.NotEmpty(t, top.Snippet)
	assert.Greater(t, top.Score, 0.0)
	assert.Empty(t, out.Degraded)
}

func TestSearchToolValidation(t *testing.T) {
	ss := newServerStack(t)

	_, _, err := ss.server.searchHandler(context.Background(), nil, SearchInput{Query: "   "})
	require.Error(t, err)
	var protoErr *Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ErrCodeInvalidParams, protoErr.Code)
}

func TestGetNoteTool(t *testing.T) {
	ss := newServerStack(t)
	ss.seedNote(t, "infra/backups.md", "Backup Runbook",
		"Restic snapshots ship offsite nightly.",
		[]string{"ops", "backup"}, []string{"Restore Runbook"})
	ss.seedNote(t, "infra/restore.md", "Restore Runbook",
		"How to restore from the latest snapshot.", nil, []string{"infra/backups.md"})

	_, note, err := ss.server.getNoteHandler(context.Background(), nil, GetNoteInput{
		Path: "infra/backups.md", Collection: "notes",
	})
	require.NoError(t, err)
	assert.Equal(t, "Backup Runbook", note.Title)
	assert.Equal(t, "Restic snapshots ship offsite nightly.", note.Content)
	assert.ElementsMatch(t, []string{"ops", "backup"}, note.Tags)
	assert.Equal(t, []string{"Restore Runbook"}, note.Links)
	assert.Equal(t, []string{"infra/restore.md"}, note.Backlinks)
}

func TestGetNoteToolWithoutCollection(t *testing.T) {
	ss := newServerStack(t)
	ss.seedNote(t, "infra/backups.md", "Backup Runbook", "body text", nil, nil)

	_, note, err := ss.server.getNoteHandler(context.Background(), nil, GetNoteInput{Path: "infra/backups.md"})
	require.NoError(t, err)
	assert.Equal(t, "notes", note.Collection)
	assert.Equal(t, "Backup Runbook", note.Title)
}

func TestGetNoteToolNotFound(t *testing.T) {
	ss := newServerStack(t)

	_, _, err := ss.server.getNoteHandler(context.Background(), nil, GetNoteInput{
		Path: "missing.md", Collection: "notes",
	})
	require.Error(t, err)
	var protoErr *Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ErrCodeNoteNotFound, protoErr.Code)
}

func TestMultiGetTool(t *testing.T) {
	ss := newServerStack(t)
	ss.seedNote(t, "a.md", "A", "alpha body", nil, nil)
	ss.seedNote(t, "b.md", "B", "beta body", nil, nil)

	_, out, err := ss.server.multiGetHandler(context.Background(), nil, MultiGetInput{
		Paths: []string{"a.md", "missing.md", "b.md"}, Collection: "notes",
	})
	require.NoError(t, err)
	require.Len(t, out.Notes, 2)
	assert.Equal(t, "A", out.Notes[0].Title)
	assert.Equal(t, "B", out.Notes[1].Title)
	assert.Equal(t, []string{"missing.md"}, out.Missing)
}

func TestStatusTool(t *testing.T) {
	ss := newServerStack(t)
	ss.seedNote(t, "a.md", "A", "alpha body", []string{"t1"}, []string{"b.md"})

	_, out, err := ss.server.statusHandler(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.DocumentCount)
	assert.Equal(t, 1, out.ChunkCount)
	assert.Equal(t, 1, out.TagCount)
	assert.Equal(t, 1, out.LinkCount)
	assert.Equal(t, "static-256", out.Model)
	assert.True(t, out.ModelAvailable)
}

func TestMapError(t *testing.T) {
	assert.Nil(t, MapError(nil))

	err := MapError(xerr.NotFound("document a.md"))
	var protoErr *Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ErrCodeNoteNotFound, protoErr.Code)

	err = MapError(xerr.New(xerr.KindModelUnavailable, "ollama down"))
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ErrCodeModelUnavailable, protoErr.Code)

	err = MapError(xerr.New(xerr.KindIndexCorrupt, "hash mismatch"))
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ErrCodeIndexCorrupt, protoErr.Code)

	err = MapError(assert.AnError)
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ErrCodeInternalError, protoErr.Code)
}
