package index

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/store"
)

// SyncSummary reports one reconciliation pass over a collection.
type SyncSummary struct {
	Indexed  int
	Skipped  int
	Removed  int
	Embedded int
	Deferred int
	Full     bool // a parameter or model change forced a full rebuild
}

// CheckFingerprint compares the stored chunking fingerprint and embedding
// model against the current configuration. Chunk hashes are only comparable
// under identical chunking parameters, and vectors only under one model, so
// a mismatch invalidates incremental diffs and forces a full reindex. The
// mismatch is a warning, never silent.
func (ix *Indexer) CheckFingerprint(ctx context.Context) (needFull bool, err error) {
	current := ix.params.Fingerprint()
	stored, err := ix.meta.GetState(ctx, store.StateKeyChunkFingerprint)
	if err != nil {
		return false, err
	}
	if stored != "" && stored != current {
		ix.logger.Warn("chunking parameters changed, incremental diff is invalid",
			slog.String("stored", stored),
			slog.String("current", current))
		needFull = true
	}

	mdl := ix.cache.Provider().ModelName()
	storedModel, err := ix.meta.GetState(ctx, store.StateKeyEmbedModel)
	if err != nil {
		return false, err
	}
	if storedModel != "" && storedModel != mdl {
		ix.logger.Warn("embedding model changed, existing vectors are invalid",
			slog.String("stored", storedModel),
			slog.String("current", mdl))
		needFull = true
	}
	return needFull, nil
}

// recordFingerprint persists the configuration the index was built with.
func (ix *Indexer) recordFingerprint(ctx context.Context) error {
	if err := ix.meta.SetState(ctx, store.StateKeyChunkFingerprint, ix.params.Fingerprint()); err != nil {
		return err
	}
	if err := ix.meta.SetState(ctx, store.StateKeyEmbedModel, ix.cache.Provider().ModelName()); err != nil {
		return err
	}
	dims := ix.cache.Provider().Dimensions()
	if dims > 0 {
		return ix.meta.SetState(ctx, store.StateKeyEmbedDimensions, strconv.Itoa(dims))
	}
	return nil
}

// SyncCollection reconciles a collection against the scanned vault state:
// changed documents are reindexed incrementally, unchanged ones skipped, and
// documents that vanished from the vault are removed. A configuration
// mismatch upgrades the pass to a full rebuild.
func (ix *Indexer) SyncCollection(ctx context.Context, collection string, inputs []DocumentInput) (*SyncSummary, error) {
	summary := &SyncSummary{}

	full, err := ix.CheckFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	summary.Full = full

	existing, err := ix.meta.ListDocuments(ctx, collection)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]bool, len(existing))
	for _, doc := range existing {
		stored[doc.Path] = true
	}

	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in.Collection = collection
		in.Force = in.Force || full
		seen[in.Path] = true

		s, err := ix.IndexDocument(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", in.Path, err)
		}
		if s.Skipped {
			summary.Skipped++
		} else {
			summary.Indexed++
		}
		summary.Embedded += s.Embedded
		summary.Deferred += s.Deferred
	}

	for _, doc := range existing {
		if seen[doc.Path] {
			continue
		}
		if err := ix.RemoveDocument(ctx, collection, doc.Path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", doc.Path, err)
		}
		summary.Removed++
	}

	if err := ix.recordFingerprint(ctx); err != nil {
		return nil, err
	}
	return summary, nil
}

// RetryPending embeds chunks deferred during earlier model outages. Pending
// hashes whose documents have since been removed are simply cleared. Returns
// how many chunks were embedded.
func (ix *Indexer) RetryPending(ctx context.Context, limit int) (int, error) {
	if ix.vector == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 256
	}
	mdl := ix.cache.Provider().ModelName()

	hashes, err := ix.meta.PendingEmbeds(ctx, mdl, limit)
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	refs, err := ix.meta.ResolveActive(ctx, hashes, "")
	if err != nil {
		return 0, err
	}
	byHash := make(map[string]*store.ChunkRef, len(refs))
	for _, r := range refs {
		if _, ok := byHash[r.Chunk.ChunkHash]; !ok {
			byHash[r.Chunk.ChunkHash] = r
		}
	}

	var orphaned []string
	var inputs []embed.ChunkInput
	for _, hash := range hashes {
		ref, ok := byHash[hash]
		if !ok {
			orphaned = append(orphaned, hash)
			continue
		}
		inputs = append(inputs, embed.ChunkInput{
			ChunkHash: hash,
			Title:     ref.Document.Title,
			Heading:   ref.Chunk.Heading,
			Body:      ref.Chunk.Text,
		})
	}

	if len(orphaned) > 0 {
		if err := ix.meta.ClearPendingEmbeds(ctx, orphaned); err != nil {
			return 0, err
		}
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	result, err := ix.batcher.EmbedAll(ctx, inputs)
	if err != nil {
		return 0, err
	}
	if len(result.Embedded) > 0 {
		ids := make([]string, 0, len(result.Embedded))
		vectors := make([][]float32, 0, len(result.Embedded))
		for _, hash := range result.Embedded {
			vec, err := ix.meta.GetEmbedding(ctx, hash, mdl)
			if err != nil {
				return 0, err
			}
			ids = append(ids, hash)
			vectors = append(vectors, vec)
		}
		if err := ix.vector.Add(ctx, ids, vectors); err != nil {
			return 0, err
		}
		if err := ix.meta.ClearPendingEmbeds(ctx, result.Embedded); err != nil {
			return 0, err
		}
	}
	return len(result.Embedded), nil
}
