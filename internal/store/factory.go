package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// TextBackend selects the BM25 implementation.
type TextBackend string

const (
	// TextBackendFTS5 uses SQLite FTS5 (default). WAL mode allows a search
	// to run while a reindex writes.
	TextBackendFTS5 TextBackend = "fts5"

	// TextBackendBleve uses bleve v2. BoltDB holds an exclusive lock, so
	// this backend is single-process.
	TextBackendBleve TextBackend = "bleve"
)

// OpenTextIndex creates or opens a text index under dir using the named
// backend. An empty dir yields an in-memory index for tests.
func OpenTextIndex(dir string, backend string, config TextConfig) (TextIndex, error) {
	switch TextBackend(backend) {
	case TextBackendFTS5, "":
		var path string
		if dir != "" {
			path = filepath.Join(dir, "text.db")
		}
		return NewFTSIndex(path, config)

	case TextBackendBleve:
		var path string
		if dir != "" {
			path = filepath.Join(dir, "text.bleve")
		}
		return NewBleveIndex(path, config)

	default:
		return nil, fmt.Errorf("unknown text backend %q (valid: fts5, bleve)", backend)
	}
}

// DetectTextBackend reports which backend an existing index under dir uses,
// or "" when none exists.
func DetectTextBackend(dir string) TextBackend {
	if info, err := os.Stat(filepath.Join(dir, "text.db")); err == nil && !info.IsDir() {
		return TextBackendFTS5
	}
	if info, err := os.Stat(filepath.Join(dir, "text.bleve")); err == nil && info.IsDir() {
		return TextBackendBleve
	}
	return ""
}

// VectorIndexPath returns the vector store file path under dir.
func VectorIndexPath(dir string) string {
	return filepath.Join(dir, "vectors.hnsw")
}

// MetadataPath returns the metadata database path under dir.
func MetadataPath(dir string) string {
	return filepath.Join(dir, "metadata.db")
}
