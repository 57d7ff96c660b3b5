package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a vault root recursively and emits debounced batches of
// markdown note events.
type Watcher struct {
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	logger    *slog.Logger
	root      string
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewWatcher(opts Options, logger *slog.Logger) (*Watcher, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:       fsw,
		debouncer: NewDebouncer(opts.DebounceWindow, logger),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching root and blocks until ctx is cancelled or Stop is
// called. Events arrive on Events() as debounced batches.
func (w *Watcher) Start(ctx context.Context, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve vault root: %w", err)
	}
	w.root = absRoot

	if err := w.addRecursive(absRoot); err != nil {
		return fmt.Errorf("watch vault directories: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	// New directories must be added to the watch set; fsnotify is not
	// recursive on its own.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()))
			}
			return
		}
	}

	if !isMarkdown(name) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = name
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename away from the watched tree looks like a delete; if the
		// file reappears the CREATE will coalesce back into a MODIFY.
		op = OpDelete
	default:
		return
	}

	w.debouncer.Add(Event{
		Path:      filepath.ToSlash(rel),
		Op:        op,
		Timestamp: time.Now(),
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unwatchable entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirName(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Events returns debounced batches of note events.
func (w *Watcher) Events() <-chan []Event {
	return w.debouncer.Output()
}

// Stop stops watching and closes the event channel. Safe to call more than
// once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify watcher", slog.String("error", err.Error()))
		}
		w.debouncer.Stop()
	})
}

func skipDirName(name string) bool {
	return name == ".git" || strings.HasPrefix(name, ".")
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
