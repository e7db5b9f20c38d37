package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.GreaterOrEqual(t, cfg.TagSimilarityThreshold, cfg.TagRelatedThreshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxTotalMemories, cfg.MaxTotalMemories)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vecmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/custom.db
max_total_memories: 42
tag_similarity_threshold: 0.9
embedding:
  provider: genai
  model: gemini-embedding-001
  dimensions: 768
  genai_api_key: test-key
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 42, cfg.MaxTotalMemories)
	assert.Equal(t, float32(0.9), cfg.TagSimilarityThreshold)
	assert.Equal(t, "genai", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VECMEM_DB_PATH", "/tmp/env.db")
	t.Setenv("VECMEM_MEMORY_LIMIT", "777")
	t.Setenv("OLLAMA_ENDPOINT", "http://remote:11434")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, 777, cfg.MaxTotalMemories)
	assert.Equal(t, "http://remote:11434", cfg.Embedding.OllamaEndpoint)
}

func TestEnvOverrideIgnoresGarbageLimit(t *testing.T) {
	t.Setenv("VECMEM_MEMORY_LIMIT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxTotalMemories, cfg.MaxTotalMemories)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero limit", func(c *Config) { c.MaxTotalMemories = 0 }},
		{"zero search cap", func(c *Config) { c.MaxMemoriesPerSearch = 0 }},
		{"zero dims", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"inverted thresholds", func(c *Config) { c.TagRelatedThreshold = 0.99 }},
		{"threshold out of range", func(c *Config) { c.TagSimilarityThreshold = 1.5 }},
		{"bad provider", func(c *Config) { c.Embedding.Provider = "onnx" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsCanonicalCategory(t *testing.T) {
	assert.True(t, IsCanonicalCategory("bug-fix"))
	assert.True(t, IsCanonicalCategory("other"))
	assert.False(t, IsCanonicalCategory("banana"))
	assert.Len(t, MemoryCategories, 9)
}
