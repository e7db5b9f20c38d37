// Package config holds vecmem configuration: storage limits, tag-merge
// thresholds, category classification tuning, and the embedding backend
// selection. Values load from YAML with environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MemoryCategories is the closed canonical category set. "other" is the
// reserved fallback and must stay last.
var MemoryCategories = []string{
	"code-solution",
	"bug-fix",
	"architecture",
	"learning",
	"tool-usage",
	"debugging",
	"performance",
	"security",
	"other",
}

// Config is the root vecmem configuration.
type Config struct {
	// DBPath is the SQLite database file location.
	DBPath string `yaml:"db_path"`

	// Storage limits
	MaxTotalMemories     int `yaml:"max_total_memories"`
	MaxMemoriesPerSearch int `yaml:"max_memories_per_search"`
	MaxContentLength     int `yaml:"max_content_length"`
	MaxTags              int `yaml:"max_tags"`
	MaxTagLength         int `yaml:"max_tag_length"`

	// Tag merge thresholds
	TagSimilarityThreshold float32  `yaml:"tag_similarity_threshold"`
	TagRelatedThreshold    float32  `yaml:"tag_related_threshold"`
	TagSubstringMinLength  int      `yaml:"tag_substring_min_length"`
	TagSubstringBoost      float32  `yaml:"tag_substring_boost"`
	TagSubstringStopWords  []string `yaml:"tag_substring_stop_words"`

	// Category classification
	CategorySimilarityThreshold float32 `yaml:"category_similarity_threshold"`
	CategoryMinMargin           float32 `yaml:"category_min_margin"`

	// Embedding backend
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging
	Debug bool `yaml:"debug"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Model identifier; doubles as the embedding-model id hashed into
	// preview ids, so changing it invalidates outstanding previews.
	Model string `yaml:"model"`

	// Dimensions of produced vectors.
	Dimensions int `yaml:"dimensions"`

	// Ollama
	OllamaEndpoint string `yaml:"ollama_endpoint"`

	// GenAI
	GenAIAPIKey string `yaml:"genai_api_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "data/vecmem.db",

		MaxTotalMemories:     10000,
		MaxMemoriesPerSearch: 50,
		MaxContentLength:     10000,
		MaxTags:              20,
		MaxTagLength:         64,

		TagSimilarityThreshold: 0.85,
		TagRelatedThreshold:    0.75,
		TagSubstringMinLength:  4,
		TagSubstringBoost:      0.10,
		TagSubstringStopWords: []string{
			"test", "api", "dev", "app", "data", "code", "file", "new",
		},

		CategorySimilarityThreshold: 0.50,
		CategoryMinMargin:           0.05,

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			Model:          "all-minilm",
			Dimensions:     384,
			OllamaEndpoint: "http://localhost:11434",
		},
	}
}

// Load reads a YAML config file, layers it over the defaults, then applies
// environment overrides. A missing file is not an error; defaults plus env
// apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies VECMEM_* and provider API key overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VECMEM_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("VECMEM_MEMORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxTotalMemories = n
		}
	}
	if v := os.Getenv("VECMEM_DEBUG"); v != "" {
		c.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if v := os.Getenv("VECMEM_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.MaxTotalMemories <= 0 {
		return fmt.Errorf("max_total_memories must be positive, got %d", c.MaxTotalMemories)
	}
	if c.MaxMemoriesPerSearch <= 0 {
		return fmt.Errorf("max_memories_per_search must be positive, got %d", c.MaxMemoriesPerSearch)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.TagSimilarityThreshold < c.TagRelatedThreshold {
		return fmt.Errorf("tag_similarity_threshold (%.2f) must be >= tag_related_threshold (%.2f)",
			c.TagSimilarityThreshold, c.TagRelatedThreshold)
	}
	for _, th := range []float32{c.TagSimilarityThreshold, c.TagRelatedThreshold, c.CategorySimilarityThreshold} {
		if th < 0 || th > 1 {
			return fmt.Errorf("similarity thresholds must be in [0,1], got %.2f", th)
		}
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", c.Embedding.Provider)
	}
	return nil
}

// IsCanonicalCategory reports whether s is in the closed category set.
func IsCanonicalCategory(s string) bool {
	for _, c := range MemoryCategories {
		if c == s {
			return true
		}
	}
	return false
}
