package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxFileSize is the largest note the scanner will read (5MB).
// Markdown files past this size are almost always exports or logs.
const DefaultMaxFileSize = 5 * 1024 * 1024

// ScanOptions configures a vault walk.
type ScanOptions struct {
	// RootDir is the vault root to scan.
	RootDir string

	// MaxFileSize is the maximum note size in bytes (0 = 5MB default).
	MaxFileSize int64

	// IncludeHidden includes dot-prefixed files and directories.
	// The .obsidian directory is always skipped.
	IncludeHidden bool
}

// ScanResult carries one discovered note or the error that stopped its read.
type ScanResult struct {
	Note    *Note
	ModTime time.Time
	Err     error
}

// Scanner walks vault directories and parses the markdown notes it finds.
type Scanner struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger}
}

// Scan streams parsed notes from the vault root. The channel is closed when
// the walk completes or ctx is cancelled. Unreadable files are reported as
// results with Err set; the walk continues past them.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (<-chan ScanResult, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}

	rootDir := opts.RootDir
	if rootDir == "" {
		rootDir = "."
	}
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root is not a directory: %s", absRoot)
	}

	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	results := make(chan ScanResult, 64)
	go func() {
		defer close(results)
		s.walk(ctx, absRoot, opts, maxFileSize, results)
	}()
	return results, nil
}

func (s *Scanner) walk(ctx context.Context, absRoot string, opts *ScanOptions, maxFileSize int64, results chan<- ScanResult) {
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path == absRoot {
				return nil
			}
			if name == ".obsidian" || name == ".git" {
				return filepath.SkipDir
			}
			if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			return nil
		}
		if !isMarkdown(name) {
			return nil
		}

		// Symlinked notes are skipped. Following them risks cycles and
		// double-indexing the same content under two paths.
		if d.Type()&fs.ModeSymlink != 0 {
			s.logger.Debug("skipping symlink", slog.String("path", path))
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			results <- ScanResult{Err: fmt.Errorf("stat %s: %w", path, err)}
			return nil
		}
		if fi.Size() > maxFileSize {
			s.logger.Warn("skipping oversized note",
				slog.String("path", path),
				slog.Int64("size", fi.Size()),
				slog.Int64("max", maxFileSize))
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			results <- ScanResult{Err: fmt.Errorf("read %s: %w", path, err)}
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			rel = name
		}
		results <- ScanResult{
			Note:    ParseNote(filepath.ToSlash(rel), raw),
			ModTime: fi.ModTime(),
		}
		return nil
	})
	if err != nil && err != context.Canceled && ctx.Err() == nil {
		s.logger.Warn("vault walk stopped early", slog.String("error", err.Error()))
	}
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
