package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// FTSIndex implements TextIndex on SQLite FTS5. WAL mode allows concurrent
// readers while a reindex is writing.
type FTSIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	config    TextConfig
	closed    bool
	stopWords map[string]struct{}
}

var _ TextIndex = (*FTSIndex)(nil)

// validateFTSIntegrity checks an existing FTS database before opening it.
func validateFTSIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='fts_chunks'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_chunks' missing")
	}
	return nil
}

// NewFTSIndex opens or creates an FTS5 text index at path. An empty path
// creates an in-memory index for tests. A corrupted index file is cleared
// and recreated; the caller is expected to reindex.
func NewFTSIndex(path string, config TextConfig) (*FTSIndex, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}

		if validErr := validateFTSIntegrity(path); validErr != nil {
			slog.Warn("text_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("text index corrupted at %s and cannot remove: %w", path, removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("text_index_cleared", slog.String("path", path))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open text index: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	idx := &FTSIndex{
		db:        db,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
	}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize FTS schema: %w", err)
	}
	return idx, nil
}

func (f *FTSIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- chunk_hash is stored but not searchable; title and body carry
	-- pre-tokenized prose so FTS5's bm25() scores both fields.
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_hash UNINDEXED,
		title,
		body,
		tokenize='unicode61'
	);

	-- FTS5 does not expose a reliable row listing, so IDs are tracked here.
	CREATE TABLE IF NOT EXISTS chunk_ids (
		chunk_hash TEXT PRIMARY KEY
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := f.db.Exec(schema)
	return err
}

// tokenize runs the prose tokenizer and stop word filter over text.
func (f *FTSIndex) tokenize(text string) []string {
	tokens := TokenizeProse(text, f.config.MinTokenLength)
	return FilterStopWords(tokens, f.stopWords)
}

// Index adds or replaces documents. FTS5 virtual tables have no REPLACE, so
// each document is deleted then inserted inside one transaction.
func (f *FTSIndex) Index(ctx context.Context, docs []*TextDoc) error {
	if len(docs) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("text index is closed")
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteStmt, err := tx.PrepareContext(ctx,
		`DELETE FROM fts_chunks WHERE chunk_hash = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_chunks (chunk_hash, title, body) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insertStmt.Close()

	idStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunk_ids (chunk_hash) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare id insert: %w", err)
	}
	defer idStmt.Close()

	for _, doc := range docs {
		title := strings.Join(f.tokenize(doc.Title), " ")
		body := strings.Join(f.tokenize(doc.Body), " ")

		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("delete existing %s: %w", doc.ID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ID, title, body); err != nil {
			return fmt.Errorf("index %s: %w", doc.ID, err)
		}
		if _, err := idStmt.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("track id %s: %w", doc.ID, err)
		}
	}

	return tx.Commit()
}

// Search runs a BM25 query. All query terms must match (FTS5 implicit AND).
func (f *FTSIndex) Search(ctx context.Context, query string, limit int) ([]*TextResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, fmt.Errorf("text index is closed")
	}

	tokens := f.tokenize(query)
	if len(tokens) == 0 {
		return []*TextResult{}, nil
	}
	matchQuery := strings.Join(tokens, " ")

	// bm25() weights: titles count double. FTS5 returns negative scores
	// where more negative is better, so ascending order ranks best first.
	rows, err := f.db.QueryContext(ctx, `
		SELECT chunk_hash, bm25(fts_chunks, 0.0, 2.0, 1.0) AS score
		FROM fts_chunks
		WHERE fts_chunks MATCH ?
		ORDER BY score
		LIMIT ?`, matchQuery, limit)
	if err != nil {
		// FTS5 rejects some token sequences as syntax errors; treat those
		// as no results rather than failures.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []*TextResult{}, nil
		}
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	var results []*TextResult
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, &TextResult{
			ID:           id,
			Score:        -score,
			MatchedTerms: tokens,
		})
	}
	return results, rows.Err()
}

func (f *FTSIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("text index is closed")
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM fts_chunks WHERE chunk_hash IN (%s)`, in), args...); err != nil {
		return fmt.Errorf("delete from fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM chunk_ids WHERE chunk_hash IN (%s)`, in), args...); err != nil {
		return fmt.Errorf("delete ids: %w", err)
	}

	return tx.Commit()
}

func (f *FTSIndex) AllIDs() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, fmt.Errorf("text index is closed")
	}

	rows, err := f.db.Query(`SELECT chunk_hash FROM chunk_ids ORDER BY chunk_hash`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (f *FTSIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0
	}

	var n int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM chunk_ids`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close checkpoints and closes the index. Idempotent.
func (f *FTSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if f.db != nil {
		_, _ = f.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return f.db.Close()
	}
	return nil
}
