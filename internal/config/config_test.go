package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 900, cfg.Chunking.TargetTokens)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, "fts5", cfg.Search.TextBackend)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
version: 1
collections:
  notes: /tmp/notes
chunking:
  target_tokens: 512
  overlap_ratio: 0.1
search:
  rrf_constant: 30
  original_boost: 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Chunking.TargetTokens)
	assert.Equal(t, 0.1, cfg.Chunking.OverlapRatio)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	assert.Equal(t, 1.5, cfg.Search.OriginalBoost)
	assert.Equal(t, "/tmp/notes", cfg.Collections["notes"])
	// Untouched fields keep defaults.
	assert.Equal(t, 0.6, cfg.Search.BlendAlpha)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OBSIDX_RRF_CONSTANT", "45")
	t.Setenv("OBSIDX_OLLAMA_HOST", "http://remote:11434")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Search.RRFConstant)
	assert.Equal(t, "http://remote:11434", cfg.Models.OllamaHost)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero target tokens", func(c *Config) { c.Chunking.TargetTokens = 0 }},
		{"overlap ratio one", func(c *Config) { c.Chunking.OverlapRatio = 1.0 }},
		{"negative tolerance", func(c *Config) { c.Chunking.Tolerance = -0.1 }},
		{"zero rrf constant", func(c *Config) { c.Search.RRFConstant = 0 }},
		{"blend alpha above one", func(c *Config) { c.Search.BlendAlpha = 1.5 }},
		{"unknown text backend", func(c *Config) { c.Search.TextBackend = "lucene" }},
		{"unknown provider", func(c *Config) { c.Models.Provider = "gpu" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Collections["vault"] = "/data/vault"
	cfg.Search.RRFConstant = 42
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Search.RRFConstant)
	assert.Equal(t, "/data/vault", loaded.Collections["vault"])
}

func TestResolveIndexDir(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/vault/.obsidx", cfg.ResolveIndexDir("/vault"))

	cfg.IndexDir = "/var/lib/obsidx"
	assert.Equal(t, "/var/lib/obsidx", cfg.ResolveIndexDir("/vault"))
}
