package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/index"
	"github.com/leeparayno/obsidx/internal/scanner"
	"github.com/leeparayno/obsidx/internal/ui"
	"github.com/leeparayno/obsidx/internal/watch"
)

type indexOptions struct {
	incremental bool
	watch       bool
	jsonOut     bool
}

func newIndexCmd(flags *rootFlags) *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or update the vault index",
		Long: `Scans the configured collections and indexes every markdown note.
Unchanged notes are skipped by content hash; changed notes are re-chunked
and only new chunks are embedded. With --incremental=false every note is
re-chunked from scratch.

With --watch the command keeps running and reindexes notes as they change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, flags, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.incremental, "incremental", true, "Skip unchanged notes by content hash")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep running and reindex on file changes")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Emit a JSON summary")
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, flags *rootFlags, opts indexOptions) error {
	a, err := newApp(ctx, flags, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// One indexing process per index directory.
	if err := os.MkdirAll(a.indexDir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	lock := flock.New(filepath.Join(a.indexDir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another obsidx process is indexing %s", a.indexDir)
	}
	defer lock.Unlock()

	ix, err := a.indexer()
	if err != nil {
		return err
	}
	defer ix.Close()

	printer := ui.NewPrinter(cmd.OutOrStdout())
	start := time.Now()

	total := index.SyncSummary{}
	for _, coll := range a.collections() {
		inputs, err := scanCollection(ctx, a, coll, !opts.incremental)
		if err != nil {
			return err
		}
		summary, err := ix.SyncCollection(ctx, coll.Name, inputs)
		if err != nil {
			return err
		}
		total.Indexed += summary.Indexed
		total.Skipped += summary.Skipped
		total.Removed += summary.Removed
		total.Embedded += summary.Embedded
		total.Deferred += summary.Deferred
		total.Full = total.Full || summary.Full
	}

	// Drain embeds deferred by an earlier model outage.
	retried, err := ix.RetryPending(ctx, 0)
	if err != nil {
		a.logger.Warn("pending embed retry failed", slog.String("error", err.Error()))
	}
	total.Embedded += retried

	if err := a.saveVector(); err != nil {
		return fmt.Errorf("save vector index: %w", err)
	}

	if opts.jsonOut {
		if err := writeJSON(cmd, indexReport{
			Indexed:     total.Indexed,
			Skipped:     total.Skipped,
			Removed:     total.Removed,
			Embedded:    total.Embedded,
			Deferred:    total.Deferred,
			FullRebuild: total.Full,
			ElapsedMS:   time.Since(start).Milliseconds(),
		}); err != nil {
			return err
		}
	} else {
		if total.Full {
			printer.Warnf("chunking parameters or model changed, performed a full rebuild")
		}
		printer.Summary(total.Indexed, total.Skipped, total.Removed,
			total.Embedded, total.Deferred, time.Since(start))
	}

	if !opts.watch {
		return nil
	}
	return watchLoop(ctx, a, ix, printer)
}

// indexReport is the stable JSON shape of an index run.
type indexReport struct {
	Indexed     int   `json:"indexed"`
	Skipped     int   `json:"skipped"`
	Removed     int   `json:"removed"`
	Embedded    int   `json:"embedded"`
	Deferred    int   `json:"deferred"`
	FullRebuild bool  `json:"full_rebuild"`
	ElapsedMS   int64 `json:"elapsed_ms"`
}

func scanCollection(ctx context.Context, a *app, coll collection, force bool) ([]index.DocumentInput, error) {
	s := scanner.New(a.logger)
	results, err := s.Scan(ctx, &scanner.ScanOptions{
		RootDir:     coll.Root,
		MaxFileSize: a.cfg.Indexing.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("scan collection %s: %w", coll.Name, err)
	}

	var inputs []index.DocumentInput
	for res := range results {
		if res.Err != nil {
			a.logger.Warn("skipping note", slog.String("error", res.Err.Error()))
			continue
		}
		inputs = append(inputs, noteInput(coll.Name, res.Note, res.ModTime, force))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func noteInput(collection string, note *scanner.Note, modTime time.Time, force bool) index.DocumentInput {
	return index.DocumentInput{
		Collection: collection,
		Path:       note.Path,
		Title:      note.Title,
		Content:    note.Raw,
		ModTime:    modTime,
		Tags:       note.Tags,
		Links:      note.Links,
		Force:      force,
	}
}

// watchLoop reindexes notes as the filesystem reports changes, until the
// process is interrupted.
func watchLoop(ctx context.Context, a *app, ix *index.Indexer, printer *ui.Printer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	colls := a.collections()
	watchers := make([]*watch.Watcher, 0, len(colls))
	for _, coll := range colls {
		w, err := watch.NewWatcher(watch.Options{
			DebounceWindow: a.cfg.Indexing.WatchDebounce,
		}, a.logger)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)

		go func() {
			if err := w.Start(ctx, coll.Root); err != nil && ctx.Err() == nil {
				a.logger.Error("watcher stopped",
					slog.String("collection", coll.Name),
					slog.String("error", err.Error()))
			}
		}()
		go func() {
			for batch := range w.Events() {
				applyWatchBatch(ctx, a, ix, coll, batch)
			}
		}()
	}
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	printer.Warnf("watching %d collection(s), press Ctrl-C to stop", len(colls))
	<-ctx.Done()

	// Persist vectors added while watching.
	if err := a.saveVector(); err != nil {
		a.logger.Warn("save vector index", slog.String("error", err.Error()))
	}
	return nil
}

func applyWatchBatch(ctx context.Context, a *app, ix *index.Indexer, coll collection, batch []watch.Event) {
	for _, ev := range batch {
		if ctx.Err() != nil {
			return
		}
		switch ev.Op {
		case watch.OpDelete:
			if err := ix.RemoveDocument(ctx, coll.Name, ev.Path); err != nil {
				a.logger.Warn("remove note failed",
					slog.String("path", ev.Path),
					slog.String("error", err.Error()))
				continue
			}
			a.logger.Info("note removed", slog.String("path", ev.Path))

		default:
			abs := filepath.Join(coll.Root, filepath.FromSlash(ev.Path))
			raw, err := os.ReadFile(abs)
			if err != nil {
				a.logger.Warn("read changed note failed",
					slog.String("path", ev.Path),
					slog.String("error", err.Error()))
				continue
			}
			info, err := os.Stat(abs)
			if err != nil {
				continue
			}
			note := scanner.ParseNote(ev.Path, raw)
			summary, err := ix.IndexDocument(ctx, noteInput(coll.Name, note, info.ModTime(), false))
			if err != nil {
				a.logger.Warn("reindex note failed",
					slog.String("path", ev.Path),
					slog.String("error", err.Error()))
				continue
			}
			if !summary.Skipped {
				a.logger.Info("note reindexed",
					slog.String("path", ev.Path),
					slog.Int("chunks_added", summary.ChunksAdded))
			}
		}
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
