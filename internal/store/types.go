// Package store is the persistence layer: content-addressed note storage,
// document and chunk metadata in SQLite, a BM25 text index (FTS5 or bleve),
// and an HNSW vector index.
package store

import (
	"context"
	"fmt"
	"time"
)

// State keys persisted in the metadata store.
const (
	// StateKeyChunkFingerprint stores the chunking parameter fingerprint the
	// index was built with. A mismatch forces a full reindex.
	StateKeyChunkFingerprint = "chunk_params_fingerprint"

	// StateKeyEmbedModel stores the embedding model the index was built with.
	StateKeyEmbedModel = "index_embed_model"

	// StateKeyEmbedDimensions stores the embedding dimension of the index.
	StateKeyEmbedDimensions = "index_embed_dimensions"
)

// Document is one note tracked by the index. A (collection, path) pair has at
// most one active document row; superseded revisions stay as inactive rows.
type Document struct {
	ID          int64
	Collection  string
	Path        string
	ContentHash string
	Title       string
	Size        int64
	ModTime     time.Time
	IndexedAt   time.Time
	Active      bool
}

// StoredChunk is a persisted chunk row. Storage identity is
// (ContentHash, Seq); ChunkHash is the content-derived diff identity and may
// repeat within one document when two chunks carry identical text.
type StoredChunk struct {
	ContentHash string
	Seq         int
	ChunkHash   string
	StartByte   int
	EndByte     int
	Tokens      int
	Text        string
	Heading     string
}

// ChunkRef joins a chunk occurrence to its active document. Search backends
// return bare chunk hashes; ResolveActive turns them into refs and drops hits
// whose documents are no longer active.
type ChunkRef struct {
	Document *Document
	Chunk    *StoredChunk
}

// TagCount is one tag with its active-document frequency.
type TagCount struct {
	Tag   string
	Count int
}

// Stats summarizes index contents for the stats command and MCP status tool.
type Stats struct {
	DocumentCount  int
	ChunkCount     int
	ContentCount   int
	EmbeddingCount int
	TagCount       int
	LinkCount      int
	LastIndexedAt  time.Time
}

// MetadataStore persists notes, chunk rows, embeddings, and the
// model-response cache in SQLite.
type MetadataStore interface {
	// Content operations. PutContent is idempotent: re-putting an existing
	// hash is a no-op.
	PutContent(ctx context.Context, hash string, data []byte) error
	GetContent(ctx context.Context, hash string) ([]byte, error)
	HasContent(ctx context.Context, hash string) (bool, error)
	// VerifyContent recomputes the hash of a stored blob and reports
	// corruption when it no longer matches its key.
	VerifyContent(ctx context.Context, hash string) error

	// Document operations. ActivateDocument writes chunk rows, tags, and
	// links, deactivates any prior active row for (collection, path), and
	// activates the new one, all in a single transaction. The content row
	// must already exist.
	ActivateDocument(ctx context.Context, doc *Document, chunks []*StoredChunk, tags, links []string) error
	GetDocument(ctx context.Context, collection, path string) (*Document, error)
	ListDocuments(ctx context.Context, collection string) ([]*Document, error)
	DeactivateDocument(ctx context.Context, collection, path string) error

	// Chunk operations.
	ChunksByContent(ctx context.Context, contentHash string) ([]*StoredChunk, error)
	ResolveActive(ctx context.Context, chunkHashes []string, collection string) ([]*ChunkRef, error)
	// CountChunkRefs counts occurrences of a chunk hash across active
	// documents. Index entries are shared by hash, so a chunk leaves the
	// text and vector indexes only when this reaches zero.
	CountChunkRefs(ctx context.Context, chunkHash string) (int, error)

	// Embedding operations, keyed (chunk_hash, model). PutEmbedding is
	// idempotent so concurrent workers may race on the same chunk.
	GetEmbedding(ctx context.Context, chunkHash, model string) ([]float32, error)
	PutEmbedding(ctx context.Context, chunkHash, model string, vector []float32) error
	MissingEmbeddings(ctx context.Context, chunkHashes []string, model string) ([]string, error)
	AllEmbeddings(ctx context.Context, model string) (map[string][]float32, error)

	// Model-response cache, keyed (content_hash, model, kind). No eviction;
	// entries are invalidated only by their key changing.
	GetCache(ctx context.Context, contentHash, model, kind string) ([]byte, error)
	PutCache(ctx context.Context, contentHash, model, kind string, payload []byte) error

	// Vault metadata extracted at index time.
	TagCounts(ctx context.Context) ([]TagCount, error)
	DocumentsByTag(ctx context.Context, tag string) ([]*Document, error)
	TagsFor(ctx context.Context, collection, path string) ([]string, error)
	LinksFrom(ctx context.Context, collection, path string) ([]string, error)
	Backlinks(ctx context.Context, collection, path string) ([]string, error)

	// Pending embeds: chunks stored text-only while the embedding model was
	// unavailable, to be embedded on a later pass.
	EnqueuePendingEmbeds(ctx context.Context, chunkHashes []string, model string) error
	PendingEmbeds(ctx context.Context, model string, limit int) ([]string, error)
	ClearPendingEmbeds(ctx context.Context, chunkHashes []string) error

	// State operations (key-value runtime state). GetState returns "" for a
	// missing key.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// TextDoc is a chunk submitted to the text index.
type TextDoc struct {
	ID    string // chunk hash
	Title string // note title plus nearest heading
	Body  string
}

// TextResult is a single BM25 hit.
type TextResult struct {
	ID           string
	Score        float64
	MatchedTerms []string
}

// TextIndex provides BM25 keyword search over chunk text.
type TextIndex interface {
	// Index adds or replaces documents.
	Index(ctx context.Context, docs []*TextDoc) error

	// Search returns hits for query in descending score order.
	Search(ctx context.Context, query string, limit int) ([]*TextResult, error)

	// Delete removes documents by ID.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns every indexed ID, for consistency checks.
	AllIDs() ([]string, error)

	// Count returns the number of indexed documents.
	Count() int

	Close() error
}

// TextConfig configures text index tokenization.
type TextConfig struct {
	StopWords      []string
	MinTokenLength int
}

// DefaultTextConfig returns the standard prose tokenization settings.
func DefaultTextConfig() TextConfig {
	return TextConfig{
		StopWords:      DefaultProseStopWords,
		MinTokenLength: 2,
	}
}

// VectorResult is a single nearest-neighbor hit.
type VectorResult struct {
	ID       string  // chunk hash
	Distance float32 // lower is closer
	Score    float32 // normalized similarity, 0 to 1
}

// VectorConfig configures the HNSW index.
type VectorConfig struct {
	Dimensions     int
	Metric         string // "cos" or "l2"
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultVectorConfig returns HNSW defaults for the given dimension.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              16,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides approximate nearest-neighbor search over chunk
// embeddings. It stores no document metadata and applies no filtering:
// callers resolve returned hashes against the metadata store and drop hits
// from inactive documents, so a k-NN query may yield fewer than k usable
// results.
type VectorStore interface {
	// Add inserts vectors keyed by chunk hash, replacing existing keys.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search returns up to k nearest neighbors in ascending distance order.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	AllIDs() []string
	Contains(id string) bool
	Count() int

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector of the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
