package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/leeparayno/obsidx/internal/chunk"
	"github.com/leeparayno/obsidx/internal/config"
	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/index"
	"github.com/leeparayno/obsidx/internal/logging"
	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/search"
	"github.com/leeparayno/obsidx/internal/store"
)

// configFileName is the config file inside the index directory.
const configFileName = "config.yaml"

// app holds the wired stack shared by the subcommands.
type app struct {
	cfg       *config.Config
	vaultRoot string
	indexDir  string
	logger    *slog.Logger

	meta     store.MetadataStore
	text     store.TextIndex
	vector   store.VectorStore
	provider model.Provider
	cache    *embed.Cache
	engine   *search.Engine

	logCleanup func()
}

func configPath(vaultRoot string) string {
	return filepath.Join(vaultRoot, config.DefaultIndexDirName, configFileName)
}

// newApp loads config and opens the full stack. withVector controls whether
// the vector store is opened; commands that never touch embeddings skip it.
func newApp(ctx context.Context, flags *rootFlags, withVector bool) (*app, error) {
	vaultRoot, err := filepath.Abs(flags.vault)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}

	cfg, err := config.Load(configPath(vaultRoot))
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		vaultRoot:  vaultRoot,
		indexDir:   cfg.ResolveIndexDir(vaultRoot),
		logger:     logger,
		logCleanup: logCleanup,
	}

	a.provider = buildProvider(cfg, flags.offline)

	a.meta, err = store.OpenSQLiteStore(store.MetadataPath(a.indexDir))
	if err != nil {
		a.Close()
		return nil, err
	}

	textCfg := store.DefaultTextConfig()
	backend := cfg.Search.TextBackend
	if detected := store.DetectTextBackend(a.indexDir); detected != "" {
		backend = string(detected)
	}
	a.text, err = store.OpenTextIndex(a.indexDir, backend, textCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.cache = embed.NewCache(a.provider, a.meta, embed.DefaultLRUSize)

	if withVector {
		a.vector = a.openVector(ctx)
	}

	searchCfg := search.DefaultConfig()
	searchCfg.RRFK = cfg.Search.RRFConstant
	searchCfg.OriginalBoost = cfg.Search.OriginalBoost
	searchCfg.Alpha = cfg.Search.BlendAlpha
	searchCfg.RerankTopN = cfg.Search.RerankTopN

	a.engine, err = search.NewEngine(a.text, a.vector, a.meta, a.cache, searchCfg,
		search.WithExpander(search.NewCombinedExpander(a.cache.ExpandQuery, logger)),
		search.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func buildProvider(cfg *config.Config, offline bool) model.Provider {
	if offline || cfg.Models.Provider == "static" {
		return model.NewStaticProvider()
	}
	return model.NewOllamaProvider(model.OllamaConfig{
		Host:        cfg.Models.OllamaHost,
		EmbedModel:  cfg.Models.EmbedModel,
		ExpandModel: cfg.Models.ExpandModel,
		RerankModel: cfg.Models.RerankModel,
		Timeout:     cfg.Models.Timeout,
	})
}

// openVector loads the saved vector index, or creates a fresh one sized to
// the provider's embedding dimension. A nil return means vector search is
// unavailable and the engine degrades to lexical-only.
func (a *app) openVector(ctx context.Context) store.VectorStore {
	path := store.VectorIndexPath(a.indexDir)

	if _, err := os.Stat(path); err == nil {
		dims, err := store.StoredVectorDimensions(path)
		if err != nil {
			a.logger.Warn("vector index unreadable, continuing without it",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		vector, err := store.NewHNSWStore(store.DefaultVectorConfig(dims))
		if err != nil {
			a.logger.Warn("vector store init failed", slog.String("error", err.Error()))
			return nil
		}
		if err := vector.Load(path); err != nil {
			vector.Close()
			a.logger.Warn("vector index load failed, continuing without it",
				slog.String("error", err.Error()))
			return nil
		}
		return vector
	}

	dims := a.provider.Dimensions()
	if dims <= 0 {
		// Ollama learns its dimension from the first embedding.
		if _, err := a.provider.Embed(ctx, "dimension probe"); err != nil {
			a.logger.Warn("model backend unreachable, vector search disabled",
				slog.String("error", err.Error()))
			return nil
		}
		dims = a.provider.Dimensions()
	}
	if dims <= 0 {
		return nil
	}

	vector, err := store.NewHNSWStore(store.DefaultVectorConfig(dims))
	if err != nil {
		a.logger.Warn("vector store init failed", slog.String("error", err.Error()))
		return nil
	}
	return vector
}

// saveVector persists the vector index if one is open.
func (a *app) saveVector() error {
	if a.vector == nil {
		return nil
	}
	return a.vector.Save(store.VectorIndexPath(a.indexDir))
}

func (a *app) indexer() (*index.Indexer, error) {
	return index.NewIndexer(a.meta, a.text, a.vector, a.cache,
		a.chunkParams(), a.cfg.Indexing.Workers,
		index.WithIndexerLogger(a.logger))
}

func (a *app) chunkParams() chunk.Params {
	return chunk.Params{
		TargetTokens: a.cfg.Chunking.TargetTokens,
		OverlapRatio: a.cfg.Chunking.OverlapRatio,
		Tolerance:    a.cfg.Chunking.Tolerance,
	}
}

// collections returns the configured collection names in stable order,
// defaulting to a single "notes" collection rooted at the vault.
func (a *app) collections() []collection {
	if len(a.cfg.Collections) == 0 {
		return []collection{{Name: "notes", Root: a.vaultRoot}}
	}
	out := make([]collection, 0, len(a.cfg.Collections))
	for name, root := range a.cfg.Collections {
		if !filepath.IsAbs(root) {
			root = filepath.Join(a.vaultRoot, root)
		}
		out = append(out, collection{Name: name, Root: root})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type collection struct {
	Name string
	Root string
}

// Close releases everything newApp opened. Safe on a partially built app.
func (a *app) Close() {
	if a.vector != nil {
		a.vector.Close()
	}
	if a.text != nil {
		a.text.Close()
	}
	if a.meta != nil {
		a.meta.Close()
	}
	if a.provider != nil {
		a.provider.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}
