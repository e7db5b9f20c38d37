// Package embedding generates unit-normalized vector embeddings for memory
// content and tags. Two backends are supported: Ollama (local) and Google
// GenAI (cloud). All similarity math stays in float32 so thresholds behave
// identically across platforms.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Xsaven/vector-memory-mcp/internal/logging"
)

// Engine generates vector embeddings for text. Implementations return
// unit-normalized vectors, so inner product equals cosine similarity.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the engine identifier (provider/model). It is hashed
	// into preview ids, so it must be stable for a given configuration.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify their
// backend is reachable without producing an embedding.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string

	// Model identifier within the provider.
	Model string

	// Dimensions of produced vectors.
	Dimensions int

	// OllamaEndpoint is the local server base URL.
	OllamaEndpoint string

	// GenAIAPIKey authenticates the cloud backend.
	GenAIAPIKey string
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("creating embedding engine: provider=%s model=%s dim=%d", cfg.Provider, cfg.Model, cfg.Dimensions)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.Model, cfg.Dimensions)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// Loader constructs the engine lazily, at most once. Concurrent callers
// share a single in-flight initialization; after the first success every
// caller sees the same instance. A failed initialization is retried on the
// next call rather than cached.
type Loader struct {
	cfg   Config
	group singleflight.Group

	mu     sync.RWMutex
	engine Engine
}

// NewLoader returns a lazy loader for the configured engine.
func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

func (l *Loader) cached() Engine {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engine
}

// Get returns the shared engine, constructing it on first use.
func (l *Loader) Get(ctx context.Context) (Engine, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if e := l.cached(); e != nil {
		return e, nil
	}
	v, err, _ := l.group.Do("engine", func() (interface{}, error) {
		if e := l.cached(); e != nil {
			return e, nil
		}
		e, err := NewEngine(l.cfg)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.engine = e
		l.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Engine), nil
}

// Normalize scales a vector to unit length in place and returns it. Zero
// vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / float32(math.Sqrt(float64(sum)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// CosineSimilarity computes cosine similarity in float32 arithmetic.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb)))), nil
}

// BatchSimilarity returns the inner product of the query against each
// candidate. For unit-norm vectors this equals cosine similarity.
// Candidates with mismatched dimensions score 0.
func BatchSimilarity(query []float32, candidates [][]float32) []float32 {
	out := make([]float32, len(candidates))
	for i, c := range candidates {
		if len(c) != len(query) {
			continue
		}
		var dot float32
		for j := range query {
			dot += query[j] * c[j]
		}
		out[i] = dot
	}
	return out
}
