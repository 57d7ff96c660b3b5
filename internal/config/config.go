// Package config loads and validates obsidx configuration.
// Configuration is YAML on disk with OBSIDX_* environment overrides for the
// knobs that matter during tuning (fusion constant, weights, model host).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultIndexDirName is the default index directory relative to the vault.
const DefaultIndexDirName = ".obsidx"

// Config represents the complete obsidx configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Collections map[string]string `yaml:"collections" json:"collections"` // name -> root path
	IndexDir    string            `yaml:"index_dir" json:"index_dir"`
	Chunking    ChunkingConfig    `yaml:"chunking" json:"chunking"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Models      ModelsConfig      `yaml:"models" json:"models"`
	Indexing    IndexingConfig    `yaml:"indexing" json:"indexing"`
	LogLevel    string            `yaml:"log_level" json:"log_level"`
}

// ChunkingConfig controls the structural chunker. Changing any of these
// invalidates incremental diffs and forces a full reindex.
type ChunkingConfig struct {
	// TargetTokens is the token budget per chunk.
	TargetTokens int `yaml:"target_tokens" json:"target_tokens"`

	// OverlapRatio is the fraction of TargetTokens carried over between
	// consecutive chunks.
	OverlapRatio float64 `yaml:"overlap_ratio" json:"overlap_ratio"`

	// Tolerance is the fractional band around TargetTokens within which a
	// structural breakpoint is preferred over a hard cut.
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`
}

// SearchConfig controls the hybrid query engine. RRFConstant and
// OriginalBoost are heuristics with no formal tuning criterion, so they are
// configuration rather than constants.
type SearchConfig struct {
	// RRFConstant is the reciprocal rank fusion damping constant k.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// OriginalBoost multiplies the weight of lists retrieved for the literal
	// query relative to expansion-derived lists.
	OriginalBoost float64 `yaml:"original_boost" json:"original_boost"`

	// BlendAlpha weighs the rerank score against the fused rank in the final
	// blended score (0 = fused order only, 1 = rerank only).
	BlendAlpha float64 `yaml:"blend_alpha" json:"blend_alpha"`

	// RerankTopN is the number of fused documents sent to the reranker.
	RerankTopN int `yaml:"rerank_top_n" json:"rerank_top_n"`

	// DefaultLimit is the default number of results returned.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`

	// MaxLimit caps the number of results a caller may request.
	MaxLimit int `yaml:"max_limit" json:"max_limit"`

	// TextBackend selects the lexical index: "fts5" (default) or "bleve".
	TextBackend string `yaml:"text_backend" json:"text_backend"`
}

// ModelsConfig configures the model provider.
type ModelsConfig struct {
	// Provider selects the backend: "ollama" (default) or "static".
	Provider string `yaml:"provider" json:"provider"`

	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`

	// EmbedModel is the embedding model id.
	EmbedModel string `yaml:"embed_model" json:"embed_model"`

	// ExpandModel is the query expansion model id. Empty disables model-based
	// expansion; the heuristic expander still runs.
	ExpandModel string `yaml:"expand_model" json:"expand_model"`

	// RerankModel is the cross-encoder rerank model id. Empty disables
	// reranking.
	RerankModel string `yaml:"rerank_model" json:"rerank_model"`

	// Timeout bounds each backend call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// IndexingConfig controls ingestion behavior.
type IndexingConfig struct {
	// Workers is the embedding worker pool size. 0 means NumCPU/2.
	Workers int `yaml:"workers" json:"workers"`

	// MaxFileSize is the largest file indexed, in bytes.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`

	// WatchDebounce is the quiet period before a watched change is indexed.
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:     1,
		Collections: map[string]string{},
		IndexDir:    DefaultIndexDirName,
		Chunking: ChunkingConfig{
			TargetTokens: 900,
			OverlapRatio: 0.15,
			Tolerance:    0.2,
		},
		Search: SearchConfig{
			RRFConstant:   60,
			OriginalBoost: 2.0,
			BlendAlpha:    0.6,
			RerankTopN:    20,
			DefaultLimit:  20,
			MaxLimit:      100,
			TextBackend:   "fts5",
		},
		Models: ModelsConfig{
			Provider:    "ollama",
			OllamaHost:  "http://localhost:11434",
			EmbedModel:  "nomic-embed-text",
			ExpandModel: "",
			RerankModel: "",
			Timeout:     30 * time.Second,
		},
		Indexing: IndexingConfig{
			Workers:       0,
			MaxFileSize:   10 * 1024 * 1024,
			WatchDebounce: 500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path, applies defaults for missing fields,
// applies environment overrides, and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv applies OBSIDX_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("OBSIDX_OLLAMA_HOST"); v != "" {
		c.Models.OllamaHost = v
	}
	if v := os.Getenv("OBSIDX_EMBED_MODEL"); v != "" {
		c.Models.EmbedModel = v
	}
	if v := os.Getenv("OBSIDX_PROVIDER"); v != "" {
		c.Models.Provider = v
	}
	if v := os.Getenv("OBSIDX_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
	if v := os.Getenv("OBSIDX_ORIGINAL_BOOST"); v != "" {
		if b, err := strconv.ParseFloat(v, 64); err == nil && b > 0 {
			c.Search.OriginalBoost = b
		}
	}
	if v := os.Getenv("OBSIDX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Chunking.TargetTokens <= 0 {
		return fmt.Errorf("chunking.target_tokens must be positive, got %d", c.Chunking.TargetTokens)
	}
	if c.Chunking.OverlapRatio < 0 || c.Chunking.OverlapRatio >= 1 {
		return fmt.Errorf("chunking.overlap_ratio must be in [0,1), got %v", c.Chunking.OverlapRatio)
	}
	if c.Chunking.Tolerance < 0 || c.Chunking.Tolerance > 1 {
		return fmt.Errorf("chunking.tolerance must be in [0,1], got %v", c.Chunking.Tolerance)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Search.OriginalBoost <= 0 {
		return fmt.Errorf("search.original_boost must be positive, got %v", c.Search.OriginalBoost)
	}
	if c.Search.BlendAlpha < 0 || c.Search.BlendAlpha > 1 {
		return fmt.Errorf("search.blend_alpha must be in [0,1], got %v", c.Search.BlendAlpha)
	}
	switch c.Search.TextBackend {
	case "fts5", "bleve":
	default:
		return fmt.Errorf("search.text_backend must be fts5 or bleve, got %q", c.Search.TextBackend)
	}
	switch c.Models.Provider {
	case "ollama", "static":
	default:
		return fmt.Errorf("models.provider must be ollama or static, got %q", c.Models.Provider)
	}
	return nil
}

// ResolveIndexDir returns the absolute index directory for a vault root.
func (c *Config) ResolveIndexDir(vaultRoot string) string {
	if filepath.IsAbs(c.IndexDir) {
		return c.IndexDir
	}
	return filepath.Join(vaultRoot, c.IndexDir)
}
