package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

// DefaultLRUSize bounds the in-memory embedding front. At 768 dims of
// float32 that is about 3MB.
const DefaultLRUSize = 1000

// Cache kinds in the persistent cache table.
const (
	kindExpand = "expand"
	kindRerank = "rerank"
)

// Cache layers an in-memory LRU over the persistent store in front of a
// model provider. Chunk embeddings persist keyed (chunk_hash, model); expand
// and rerank results persist keyed by a content hash of their inputs. There
// is no eviction from the persistent layer, entries are invalidated only by
// their key changing.
type Cache struct {
	provider model.Provider
	meta     store.MetadataStore
	lru      *lru.Cache[string, []float32]
}

// NewCache creates a cache over provider and meta. lruSize <= 0 uses
// DefaultLRUSize.
func NewCache(provider model.Provider, meta store.MetadataStore, lruSize int) *Cache {
	if lruSize <= 0 {
		lruSize = DefaultLRUSize
	}
	front, _ := lru.New[string, []float32](lruSize)
	return &Cache{provider: provider, meta: meta, lru: front}
}

// Provider exposes the wrapped provider for capability checks.
func (c *Cache) Provider() model.Provider { return c.provider }

// EmbedChunk returns the embedding for a chunk, consulting the LRU and the
// store before calling the provider. The chunk hash is the identity: two
// occurrences of the same text share one row and one provider call.
func (c *Cache) EmbedChunk(ctx context.Context, chunkHash, title, heading, body string) ([]float32, error) {
	mdl := c.provider.ModelName()
	lruKey := chunkHash + "\x00" + mdl

	if vec, ok := c.lru.Get(lruKey); ok {
		return vec, nil
	}

	vec, err := c.meta.GetEmbedding(ctx, chunkHash, mdl)
	if err == nil {
		c.lru.Add(lruKey, vec)
		return vec, nil
	}
	if !xerr.IsKind(err, xerr.KindNotFound) {
		return nil, err
	}

	vec, err = c.provider.Embed(ctx, DocumentText(title, heading, body))
	if err != nil {
		return nil, err
	}
	// Concurrent writers may race here; PutEmbedding is first-write-wins so
	// both end up with the same stored vector.
	if err := c.meta.PutEmbedding(ctx, chunkHash, mdl, vec); err != nil {
		return nil, err
	}
	c.lru.Add(lruKey, vec)
	return vec, nil
}

// EmbedQuery embeds a formatted query. Queries are not content-addressed
// rows, so only the LRU fronts them.
func (c *Cache) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	text := QueryText(query)
	lruKey := hashInputs(text) + "\x00" + c.provider.ModelName()

	if vec, ok := c.lru.Get(lruKey); ok {
		return vec, nil
	}
	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(lruKey, vec)
	return vec, nil
}

// ExpandQuery returns provider expansion variants, cached persistently by
// the query's content hash.
func (c *Cache) ExpandQuery(ctx context.Context, query string) ([]model.Variant, error) {
	key := hashInputs(query)
	mdl := c.provider.ModelName()

	if payload, err := c.meta.GetCache(ctx, key, mdl, kindExpand); err == nil {
		var variants []model.Variant
		if jsonErr := json.Unmarshal(payload, &variants); jsonErr == nil {
			return variants, nil
		}
		// Undecodable entry, fall through and overwrite it.
	} else if !xerr.IsKind(err, xerr.KindNotFound) {
		return nil, err
	}

	variants, err := c.provider.ExpandQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(variants)
	if err != nil {
		return nil, err
	}
	if err := c.meta.PutCache(ctx, key, mdl, kindExpand, payload); err != nil {
		return nil, err
	}
	return variants, nil
}

// RerankScore returns the provider's relevance grade for (query, passage),
// cached persistently by the pair's content hash.
func (c *Cache) RerankScore(ctx context.Context, query, passage string) (float64, error) {
	key := hashInputs(query, passage)
	mdl := c.provider.ModelName()

	if payload, err := c.meta.GetCache(ctx, key, mdl, kindRerank); err == nil {
		if score, parseErr := strconv.ParseFloat(string(payload), 64); parseErr == nil {
			return score, nil
		}
	} else if !xerr.IsKind(err, xerr.KindNotFound) {
		return 0, err
	}

	score, err := c.provider.Rerank(ctx, query, passage)
	if err != nil {
		return 0, err
	}
	payload := strconv.FormatFloat(score, 'g', -1, 64)
	if err := c.meta.PutCache(ctx, key, mdl, kindRerank, []byte(payload)); err != nil {
		return 0, err
	}
	return score, nil
}

func hashInputs(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
