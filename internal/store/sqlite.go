package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/leeparayno/obsidx/internal/xerr"
)

// SQLiteStore implements MetadataStore on a single SQLite database in WAL
// mode. A single-connection pool serializes writers; SQLite handles readers.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// OpenSQLiteStore opens or creates the metadata database at path. An empty
// path opens an in-memory database for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	// Single writer; modernc.org/sqlite connections are not safe to share a
	// write transaction across.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores most DSN parameters, so pragmas go through
	// statements.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -32768",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Content-addressed note bodies. Rows are immutable once written.
	CREATE TABLE IF NOT EXISTS content (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		size INTEGER NOT NULL
	);

	-- Document revisions. At most one active row per (collection, path).
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		path TEXT NOT NULL,
		content_hash TEXT NOT NULL REFERENCES content(hash),
		title TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		mtime INTEGER NOT NULL DEFAULT 0,
		indexed_at INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_active
		ON documents(collection, path) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_documents_content
		ON documents(content_hash);

	-- Chunk rows keyed by storage identity (content_hash, seq). chunk_hash
	-- is the diff identity and may repeat within one content blob.
	CREATE TABLE IF NOT EXISTS chunks (
		content_hash TEXT NOT NULL REFERENCES content(hash),
		seq INTEGER NOT NULL,
		chunk_hash TEXT NOT NULL,
		start_byte INTEGER NOT NULL,
		end_byte INTEGER NOT NULL,
		tokens INTEGER NOT NULL,
		text TEXT NOT NULL,
		heading TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (content_hash, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(chunk_hash);

	-- Chunk embeddings, shared across co-located duplicates by hash.
	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_hash TEXT NOT NULL,
		model TEXT NOT NULL,
		vector BLOB NOT NULL,
		dims INTEGER NOT NULL,
		PRIMARY KEY (chunk_hash, model)
	);

	-- Model-response cache for expansion and rerank calls.
	CREATE TABLE IF NOT EXISTS cache (
		content_hash TEXT NOT NULL,
		model TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (content_hash, model, kind)
	);

	CREATE TABLE IF NOT EXISTS tags (
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		PRIMARY KEY (document_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);

	CREATE TABLE IF NOT EXISTS links (
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		target TEXT NOT NULL,
		PRIMARY KEY (document_id, target)
	);
	CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);

	-- Chunks awaiting embedding after a model outage.
	CREATE TABLE IF NOT EXISTS pending_embeds (
		chunk_hash TEXT NOT NULL,
		model TEXT NOT NULL,
		PRIMARY KEY (chunk_hash, model)
	);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// PutContent stores a content blob under its hash. Re-putting an existing
// hash is a no-op, which makes concurrent indexing of identical notes safe.
func (s *SQLiteStore) PutContent(ctx context.Context, hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO content (hash, data, size) VALUES (?, ?, ?)`,
		hash, data, len(data))
	if err != nil {
		return fmt.Errorf("put content %s: %w", hash, err)
	}
	return nil
}

func (s *SQLiteStore) GetContent(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM content WHERE hash = ?`, hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, xerr.NotFound("content " + hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", hash, err)
	}
	return data, nil
}

func (s *SQLiteStore) HasContent(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM content WHERE hash = ?`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check content %s: %w", hash, err)
	}
	return true, nil
}

// VerifyContent recomputes the hash of a stored blob. A mismatch means the
// database was modified outside the store and the index is corrupt.
func (s *SQLiteStore) VerifyContent(ctx context.Context, hash string) error {
	data, err := s.GetContent(ctx, hash)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != hash {
		return xerr.Newf(xerr.KindIndexCorrupt,
			"content %s hashes to %s", hash, got)
	}
	return nil
}

// ActivateDocument performs the per-document store transaction: chunk rows,
// tags, and links are written, the previous active revision for
// (collection, path) is deactivated, and the new row becomes active. Either
// everything lands or nothing does.
func (s *SQLiteStore) ActivateDocument(ctx context.Context, doc *Document, chunks []*StoredChunk, tags, links []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The content row must precede activation; a document must never point
	// at a blob that is not durably stored.
	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM content WHERE hash = ?`, doc.ContentHash).Scan(&one)
	if err == sql.ErrNoRows {
		return xerr.Newf(xerr.KindIndexCorrupt,
			"activate %s/%s: content %s not stored", doc.Collection, doc.Path, doc.ContentHash)
	}
	if err != nil {
		return fmt.Errorf("check content for activation: %w", err)
	}

	// Chunk rows are a pure function of (content, chunking parameters), so
	// re-activation replaces them wholesale. Under stable parameters the
	// replacement rows are identical; after a parameter change the stale
	// rows would otherwise linger at their old sequence slots.
	if len(chunks) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE content_hash = ?`, doc.ContentHash); err != nil {
			return fmt.Errorf("clear chunk rows: %w", err)
		}
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks
			(content_hash, seq, chunk_hash, start_byte, end_byte, tokens, text, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	for _, ch := range chunks {
		if _, err := chunkStmt.ExecContext(ctx,
			ch.ContentHash, ch.Seq, ch.ChunkHash,
			ch.StartByte, ch.EndByte, ch.Tokens, ch.Text, ch.Heading); err != nil {
			return fmt.Errorf("insert chunk %s/%d: %w", ch.ContentHash, ch.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET active = 0 WHERE collection = ? AND path = ? AND active = 1`,
		doc.Collection, doc.Path); err != nil {
		return fmt.Errorf("deactivate previous revision: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, path, content_hash, title, size, mtime, indexed_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		doc.Collection, doc.Path, doc.ContentHash, doc.Title,
		doc.Size, doc.ModTime.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert document row: %w", err)
	}
	doc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	doc.Active = true

	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (document_id, tag) VALUES (?, ?)`,
			doc.ID, tag); err != nil {
			return fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}
	for _, target := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (document_id, target) VALUES (?, ?)`,
			doc.ID, target); err != nil {
			return fmt.Errorf("insert link %q: %w", target, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetDocument(ctx context.Context, collection, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, path, content_hash, title, size, mtime, indexed_at, active
		FROM documents
		WHERE collection = ? AND path = ? AND active = 1`,
		collection, path)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, xerr.NotFound("document " + collection + "/" + path)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", collection, path, err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, collection string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, collection, path, content_hash, title, size, mtime, indexed_at, active
		FROM documents WHERE active = 1`
	args := []any{}
	if collection != "" {
		query += ` AND collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY collection, path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) DeactivateDocument(ctx context.Context, collection, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET active = 0 WHERE collection = ? AND path = ? AND active = 1`,
		collection, path)
	if err != nil {
		return fmt.Errorf("deactivate %s/%s: %w", collection, path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return xerr.NotFound("document " + collection + "/" + path)
	}
	return nil
}

func (s *SQLiteStore) ChunksByContent(ctx context.Context, contentHash string) ([]*StoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, seq, chunk_hash, start_byte, end_byte, tokens, text, heading
		FROM chunks WHERE content_hash = ? ORDER BY seq`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("chunks by content %s: %w", contentHash, err)
	}
	defer rows.Close()

	var chunks []*StoredChunk
	for rows.Next() {
		var ch StoredChunk
		if err := rows.Scan(&ch.ContentHash, &ch.Seq, &ch.ChunkHash,
			&ch.StartByte, &ch.EndByte, &ch.Tokens, &ch.Text, &ch.Heading); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, &ch)
	}
	return chunks, rows.Err()
}

// ResolveActive joins bare chunk hashes from a search backend to their active
// documents. Hashes without an active document are silently dropped; this is
// the filtering half of the two-phase vector search contract. When a hash
// occurs in several active documents each occurrence becomes its own ref.
func (s *SQLiteStore) ResolveActive(ctx context.Context, chunkHashes []string, collection string) ([]*ChunkRef, error) {
	if len(chunkHashes) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	placeholders := make([]string, len(chunkHashes))
	args := make([]any, 0, len(chunkHashes)+1)
	for i, h := range chunkHashes {
		placeholders[i] = "?"
		args = append(args, h)
	}
	query := fmt.Sprintf(`
		SELECT d.id, d.collection, d.path, d.content_hash, d.title, d.size,
		       d.mtime, d.indexed_at, d.active,
		       c.content_hash, c.seq, c.chunk_hash, c.start_byte, c.end_byte,
		       c.tokens, c.text, c.heading
		FROM chunks c
		JOIN documents d ON d.content_hash = c.content_hash AND d.active = 1
		WHERE c.chunk_hash IN (%s)`, strings.Join(placeholders, ","))
	if collection != "" {
		query += ` AND d.collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY d.collection, d.path, c.seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve chunks: %w", err)
	}
	defer rows.Close()

	var refs []*ChunkRef
	for rows.Next() {
		var doc Document
		var ch StoredChunk
		var mtime, indexedAt int64
		if err := rows.Scan(
			&doc.ID, &doc.Collection, &doc.Path, &doc.ContentHash, &doc.Title,
			&doc.Size, &mtime, &indexedAt, &doc.Active,
			&ch.ContentHash, &ch.Seq, &ch.ChunkHash, &ch.StartByte, &ch.EndByte,
			&ch.Tokens, &ch.Text, &ch.Heading); err != nil {
			return nil, fmt.Errorf("scan chunk ref: %w", err)
		}
		doc.ModTime = time.Unix(mtime, 0)
		doc.IndexedAt = time.Unix(indexedAt, 0)
		refs = append(refs, &ChunkRef{Document: &doc, Chunk: &ch})
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) CountChunkRefs(ctx context.Context, chunkHash string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM chunks c
		JOIN documents d ON d.content_hash = c.content_hash AND d.active = 1
		WHERE c.chunk_hash = ?`, chunkHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunk refs %s: %w", chunkHash, err)
	}
	return n, nil
}

func (s *SQLiteStore) GetEmbedding(ctx context.Context, chunkHash, model string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var blob []byte
	var dims int
	err := s.db.QueryRowContext(ctx,
		`SELECT vector, dims FROM embeddings WHERE chunk_hash = ? AND model = ?`,
		chunkHash, model).Scan(&blob, &dims)
	if err == sql.ErrNoRows {
		return nil, xerr.NotFound("embedding " + chunkHash)
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding %s: %w", chunkHash, err)
	}
	return decodeVector(blob, dims)
}

// PutEmbedding stores an embedding. INSERT OR IGNORE makes concurrent writes
// of the same (chunk_hash, model) idempotent; the embedding of a given text
// under a given model is deterministic enough that first-write-wins is fine.
func (s *SQLiteStore) PutEmbedding(ctx context.Context, chunkHash, model string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO embeddings (chunk_hash, model, vector, dims) VALUES (?, ?, ?, ?)`,
		chunkHash, model, encodeVector(vector), len(vector))
	if err != nil {
		return fmt.Errorf("put embedding %s: %w", chunkHash, err)
	}
	return nil
}

func (s *SQLiteStore) MissingEmbeddings(ctx context.Context, chunkHashes []string, model string) ([]string, error) {
	if len(chunkHashes) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	have := make(map[string]struct{})
	placeholders := make([]string, len(chunkHashes))
	args := make([]any, 0, len(chunkHashes)+1)
	args = append(args, model)
	for i, h := range chunkHashes {
		placeholders[i] = "?"
		args = append(args, h)
	}
	query := fmt.Sprintf(
		`SELECT chunk_hash FROM embeddings WHERE model = ? AND chunk_hash IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		have[h] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, h := range chunkHashes {
		if _, ok := have[h]; ok {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		missing = append(missing, h)
	}
	return missing, nil
}

func (s *SQLiteStore) AllEmbeddings(ctx context.Context, model string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_hash, vector, dims FROM embeddings WHERE model = ?`, model)
	if err != nil {
		return nil, fmt.Errorf("all embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var hash string
		var blob []byte
		var dims int
		if err := rows.Scan(&hash, &blob, &dims); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, dims)
		if err != nil {
			return nil, err
		}
		out[hash] = vec
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCache(ctx context.Context, contentHash, model, kind string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM cache WHERE content_hash = ? AND model = ? AND kind = ?`,
		contentHash, model, kind).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, xerr.NotFound("cache entry")
	}
	if err != nil {
		return nil, fmt.Errorf("get cache: %w", err)
	}
	return payload, nil
}

func (s *SQLiteStore) PutCache(ctx context.Context, contentHash, model, kind string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache (content_hash, model, kind, payload) VALUES (?, ?, ?, ?)`,
		contentHash, model, kind, payload)
	if err != nil {
		return fmt.Errorf("put cache: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TagCounts(ctx context.Context) ([]TagCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tag, COUNT(*)
		FROM tags t
		JOIN documents d ON d.id = t.document_id AND d.active = 1
		GROUP BY t.tag
		ORDER BY COUNT(*) DESC, t.tag`)
	if err != nil {
		return nil, fmt.Errorf("tag counts: %w", err)
	}
	defer rows.Close()

	var counts []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) DocumentsByTag(ctx context.Context, tag string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.collection, d.path, d.content_hash, d.title, d.size,
		       d.mtime, d.indexed_at, d.active
		FROM documents d
		JOIN tags t ON t.document_id = d.id
		WHERE d.active = 1 AND t.tag = ?
		ORDER BY d.collection, d.path`, tag)
	if err != nil {
		return nil, fmt.Errorf("documents by tag %q: %w", tag, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) TagsFor(ctx context.Context, collection, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tag
		FROM tags t
		JOIN documents d ON d.id = t.document_id
		WHERE d.active = 1 AND d.collection = ? AND d.path = ?
		ORDER BY t.tag`, collection, path)
	if err != nil {
		return nil, fmt.Errorf("tags for %s/%s: %w", collection, path, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) LinksFrom(ctx context.Context, collection, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.target
		FROM links l
		JOIN documents d ON d.id = l.document_id
		WHERE d.active = 1 AND d.collection = ? AND d.path = ?
		ORDER BY l.target`, collection, path)
	if err != nil {
		return nil, fmt.Errorf("links from %s/%s: %w", collection, path, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Backlinks returns paths of active documents that link to target. Link
// targets are note names, so the match is against path with and without the
// .md suffix.
func (s *SQLiteStore) Backlinks(ctx context.Context, collection, target string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	bare := strings.TrimSuffix(target, ".md")
	query := `
		SELECT DISTINCT d.path
		FROM links l
		JOIN documents d ON d.id = l.document_id
		WHERE d.active = 1 AND (l.target = ? OR l.target = ?)`
	args := []any{target, bare}
	if collection != "" {
		query += ` AND d.collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY d.path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("backlinks to %q: %w", target, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) EnqueuePendingEmbeds(ctx context.Context, chunkHashes []string, model string) error {
	if len(chunkHashes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pending enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO pending_embeds (chunk_hash, model) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare pending insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range chunkHashes {
		if _, err := stmt.ExecContext(ctx, h, model); err != nil {
			return fmt.Errorf("enqueue pending embed %s: %w", h, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PendingEmbeds(ctx context.Context, model string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_hash FROM pending_embeds WHERE model = ? ORDER BY chunk_hash LIMIT ?`,
		model, limit)
	if err != nil {
		return nil, fmt.Errorf("pending embeds: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) ClearPendingEmbeds(ctx context.Context, chunkHashes []string) error {
	if len(chunkHashes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	placeholders := make([]string, len(chunkHashes))
	args := make([]any, len(chunkHashes))
	for i, h := range chunkHashes {
		placeholders[i] = "?"
		args[i] = h
	}
	query := fmt.Sprintf(`DELETE FROM pending_embeds WHERE chunk_hash IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear pending embeds: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM documents WHERE active = 1`, &stats.DocumentCount},
		{`SELECT COUNT(*) FROM chunks c JOIN documents d
			ON d.content_hash = c.content_hash AND d.active = 1`, &stats.ChunkCount},
		{`SELECT COUNT(*) FROM content`, &stats.ContentCount},
		{`SELECT COUNT(*) FROM embeddings`, &stats.EmbeddingCount},
		{`SELECT COUNT(DISTINCT t.tag) FROM tags t JOIN documents d
			ON d.id = t.document_id AND d.active = 1`, &stats.TagCount},
		{`SELECT COUNT(*) FROM links l JOIN documents d
			ON d.id = l.document_id AND d.active = 1`, &stats.LinkCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(indexed_at) FROM documents WHERE active = 1`).Scan(&last); err != nil {
		return nil, fmt.Errorf("stats freshness: %w", err)
	}
	if last.Valid {
		stats.LastIndexedAt = time.Unix(last.Int64, 0)
	}
	return stats, nil
}

// Checkpoint forces a WAL checkpoint so all changes reach the main file.
func (s *SQLiteStore) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close checkpoints and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var mtime, indexedAt int64
	err := row.Scan(&doc.ID, &doc.Collection, &doc.Path, &doc.ContentHash,
		&doc.Title, &doc.Size, &mtime, &indexedAt, &doc.Active)
	if err != nil {
		return nil, err
	}
	doc.ModTime = time.Unix(mtime, 0)
	doc.IndexedAt = time.Unix(indexedAt, 0)
	return &doc, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// encodeVector packs float32s little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != 4*dims {
		return nil, fmt.Errorf("embedding blob is %d bytes, want %d", len(blob), 4*dims)
	}
	v := make([]float32, dims)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}
