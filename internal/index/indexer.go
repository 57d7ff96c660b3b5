// Package index ties chunking, storage, and the embedding pipeline into
// document ingestion, with chunk-level diffing for incremental updates.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/leeparayno/obsidx/internal/chunk"
	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

// DocumentInput is one note handed to the indexer, already read and parsed
// by the scanner.
type DocumentInput struct {
	Collection string
	Path       string
	Title      string
	Content    []byte
	ModTime    time.Time
	Tags       []string
	Links      []string

	// Force rechunks the document even when its content hash is unchanged,
	// used when chunking parameters or the embedding model changed.
	Force bool
}

// Summary reports what one document ingestion did.
type Summary struct {
	Path            string
	ChunksAdded     int
	ChunksRemoved   int
	ChunksUnchanged int
	Embedded        int
	Deferred        int // embeddings queued because the model was unavailable
	Skipped         bool
}

// Indexer ingests documents: content row, chunk rows, text index, vector
// index, embeddings. Per-path work is serialized; distinct paths proceed
// concurrently.
type Indexer struct {
	meta    store.MetadataStore
	text    store.TextIndex
	vector  store.VectorStore
	cache   *embed.Cache
	batcher *embed.Batcher
	chunker *chunk.Chunker
	params  chunk.Params
	locks   *pathLocks
	logger  *slog.Logger
}

// IndexerOption configures the indexer.
type IndexerOption func(*Indexer)

// WithIndexerLogger sets the logger.
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = logger }
}

// NewIndexer creates an indexer. vector may be nil; documents are then
// indexed text-only.
func NewIndexer(
	meta store.MetadataStore,
	text store.TextIndex,
	vector store.VectorStore,
	cache *embed.Cache,
	params chunk.Params,
	workers int,
	opts ...IndexerOption,
) (*Indexer, error) {
	if meta == nil || text == nil || cache == nil {
		return nil, fmt.Errorf("indexer requires metadata store, text index, and cache")
	}
	batcher, err := embed.NewBatcher(cache, workers)
	if err != nil {
		return nil, err
	}
	ix := &Indexer{
		meta:    meta,
		text:    text,
		vector:  vector,
		cache:   cache,
		batcher: batcher,
		chunker: chunk.New(params, nil),
		params:  params,
		locks:   newPathLocks(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Params returns the chunking parameters in effect.
func (ix *Indexer) Params() chunk.Params { return ix.params }

// Close releases the embedding pool.
func (ix *Indexer) Close() {
	ix.batcher.Close()
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// IndexDocument ingests one document. An unchanged document (same content
// hash as the active revision) is a no-op. A changed one is rechunked and
// diffed against its previous chunks by hash: only new hashes are embedded
// and indexed, and hashes no longer referenced by any active document leave
// the text and vector indexes. A model outage defers embeddings instead of
// failing the ingestion.
func (ix *Indexer) IndexDocument(ctx context.Context, in DocumentInput) (*Summary, error) {
	unlock := ix.locks.Lock(in.Collection + "\x00" + in.Path)
	defer unlock()

	summary := &Summary{Path: in.Path}
	contentHash := hashContent(in.Content)

	var oldChunks []*store.StoredChunk
	existing, err := ix.meta.GetDocument(ctx, in.Collection, in.Path)
	switch {
	case err == nil:
		if existing.ContentHash == contentHash && !in.Force {
			summary.Skipped = true
			return summary, nil
		}
		oldChunks, err = ix.meta.ChunksByContent(ctx, existing.ContentHash)
		if err != nil {
			return nil, err
		}
	case xerr.IsKind(err, xerr.KindNotFound):
		// First sighting of this path.
	default:
		return nil, err
	}

	newChunks := ix.chunker.Chunk(string(in.Content))
	diff := diffChunks(oldChunks, newChunks)
	summary.ChunksAdded = len(diff.ToAdd)
	summary.ChunksUnchanged = diff.Unchanged

	if err := ix.meta.PutContent(ctx, contentHash, in.Content); err != nil {
		return nil, err
	}

	stored := make([]*store.StoredChunk, len(newChunks))
	for i, c := range newChunks {
		stored[i] = &store.StoredChunk{
			ContentHash: contentHash,
			Seq:         c.Seq,
			ChunkHash:   c.Hash,
			StartByte:   c.StartByte,
			EndByte:     c.EndByte,
			Tokens:      c.Tokens,
			Text:        c.Text,
			Heading:     c.Heading,
		}
	}
	// Index entries land before the document row flips to the new revision.
	// A failure here leaves the old revision active and retryable; the
	// orphaned entries are overwritten on the retry. Text index first so
	// lexical search works even when embedding defers.
	if len(diff.ToAdd) > 0 {
		docs := make([]*store.TextDoc, 0, len(diff.ToAdd))
		for _, c := range diff.ToAdd {
			docs = append(docs, &store.TextDoc{
				ID:    c.Hash,
				Title: textTitle(in.Title, c.Heading),
				Body:  c.Text,
			})
		}
		if err := ix.text.Index(ctx, docs); err != nil {
			return nil, err
		}

		embedded, deferred, err := ix.embedChunks(ctx, in.Title, diff.ToAdd)
		if err != nil {
			return nil, err
		}
		summary.Embedded = embedded
		summary.Deferred = deferred
	}

	doc := &store.Document{
		Collection:  in.Collection,
		Path:        in.Path,
		ContentHash: contentHash,
		Title:       in.Title,
		Size:        int64(len(in.Content)),
		ModTime:     in.ModTime,
		IndexedAt:   time.Now(),
		Active:      true,
	}
	if err := ix.meta.ActivateDocument(ctx, doc, stored, in.Tags, in.Links); err != nil {
		return nil, err
	}

	removed, err := ix.removeDeadChunks(ctx, diff.ToRemove)
	if err != nil {
		return nil, err
	}
	summary.ChunksRemoved = removed

	return summary, nil
}

// RemoveDocument deactivates a document and drops its now-unreferenced
// chunks from the indexes.
func (ix *Indexer) RemoveDocument(ctx context.Context, collection, path string) error {
	unlock := ix.locks.Lock(collection + "\x00" + path)
	defer unlock()

	existing, err := ix.meta.GetDocument(ctx, collection, path)
	if err != nil {
		if xerr.IsKind(err, xerr.KindNotFound) {
			return nil
		}
		return err
	}
	oldChunks, err := ix.meta.ChunksByContent(ctx, existing.ContentHash)
	if err != nil {
		return err
	}
	if err := ix.meta.DeactivateDocument(ctx, collection, path); err != nil {
		return err
	}

	hashes := make([]string, 0, len(oldChunks))
	seen := make(map[string]bool)
	for _, c := range oldChunks {
		if !seen[c.ChunkHash] {
			seen[c.ChunkHash] = true
			hashes = append(hashes, c.ChunkHash)
		}
	}
	_, err = ix.removeDeadChunks(ctx, hashes)
	return err
}

// embedChunks runs the batch embedding for new chunks, adds the vectors to
// the vector index, and queues deferred hashes when the model is down.
func (ix *Indexer) embedChunks(ctx context.Context, title string, chunks []chunk.Chunk) (embedded, deferred int, err error) {
	if ix.vector == nil {
		return 0, 0, nil
	}

	inputs := make([]embed.ChunkInput, len(chunks))
	for i, c := range chunks {
		inputs[i] = embed.ChunkInput{
			ChunkHash: c.Hash,
			Title:     title,
			Heading:   c.Heading,
			Body:      c.Text,
		}
	}
	result, err := ix.batcher.EmbedAll(ctx, inputs)
	if err != nil {
		return 0, 0, err
	}

	if len(result.Embedded) > 0 {
		mdl := ix.cache.Provider().ModelName()
		ids := make([]string, 0, len(result.Embedded))
		vectors := make([][]float32, 0, len(result.Embedded))
		for _, hash := range result.Embedded {
			vec, err := ix.meta.GetEmbedding(ctx, hash, mdl)
			if err != nil {
				return 0, 0, err
			}
			ids = append(ids, hash)
			vectors = append(vectors, vec)
		}
		if err := ix.vector.Add(ctx, ids, vectors); err != nil {
			return 0, 0, err
		}
	}

	if len(result.Failed) > 0 {
		ix.logger.Warn("embedding model unavailable, deferring chunks",
			slog.Int("count", len(result.Failed)))
		if err := ix.meta.EnqueuePendingEmbeds(ctx, result.Failed, ix.cache.Provider().ModelName()); err != nil {
			return 0, 0, err
		}
	}
	return len(result.Embedded), len(result.Failed), nil
}

// removeDeadChunks deletes index entries for hashes with no remaining active
// occurrence. Hashes still referenced by another document, or by a duplicate
// occurrence in the same document, stay indexed.
func (ix *Indexer) removeDeadChunks(ctx context.Context, hashes []string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	dead := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		refs, err := ix.meta.CountChunkRefs(ctx, hash)
		if err != nil {
			return 0, err
		}
		if refs == 0 {
			dead = append(dead, hash)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	if err := ix.text.Delete(ctx, dead); err != nil {
		return 0, err
	}
	if ix.vector != nil {
		if err := ix.vector.Delete(ctx, dead); err != nil {
			return 0, err
		}
	}
	return len(dead), nil
}

func textTitle(title, heading string) string {
	if heading == "" || heading == title {
		return title
	}
	if title == "" {
		return heading
	}
	return title + " " + heading
}

// chunkDiff is the outcome of comparing a document's old and new chunk hash
// multisets. The hash is the diff identity; (content hash, seq) remains the
// storage identity, so co-located duplicates never cancel each other here.
type chunkDiff struct {
	ToAdd     []chunk.Chunk // first occurrence per hash new to the document
	ToRemove  []string      // hashes no longer present in the document
	Unchanged int           // distinct hashes present in both revisions
}

// diffChunks computes the incremental work between two revisions.
func diffChunks(old []*store.StoredChunk, next []chunk.Chunk) chunkDiff {
	oldSet := make(map[string]bool, len(old))
	for _, c := range old {
		oldSet[c.ChunkHash] = true
	}
	newSet := make(map[string]bool, len(next))

	var diff chunkDiff
	for _, c := range next {
		if newSet[c.Hash] {
			continue // duplicate occurrence, one index entry serves both
		}
		newSet[c.Hash] = true
		if oldSet[c.Hash] {
			diff.Unchanged++
		} else {
			diff.ToAdd = append(diff.ToAdd, c)
		}
	}
	for _, c := range old {
		if !newSet[c.ChunkHash] {
			diff.ToRemove = append(diff.ToRemove, c.ChunkHash)
			newSet[c.ChunkHash] = true // dedupe removals too
		}
	}
	return diff
}
