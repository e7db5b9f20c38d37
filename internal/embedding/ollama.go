package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Xsaven/vector-memory-mcp/internal/logging"
)

// OllamaEngine generates embeddings through a local Ollama server.
type OllamaEngine struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
}

// NewOllamaEngine creates an Ollama-backed engine.
func NewOllamaEngine(endpoint, model string, dims int) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "all-minilm"
	}
	if dims <= 0 {
		return nil, fmt.Errorf("ollama engine requires positive dimensions, got %d", dims)
	}

	logging.Embedding("ollama engine: endpoint=%s model=%s", endpoint, model)

	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		dims:     dims,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) != e.dims {
		return nil, fmt.Errorf("ollama model %s produced %d dimensions, expected %d", e.model, len(result.Embedding), e.dims)
	}

	return Normalize(result.Embedding), nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no batch
// endpoint, so requests run sequentially.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured vector dimensionality.
func (e *OllamaEngine) Dimensions() int { return e.dims }

// Name returns the engine identifier.
func (e *OllamaEngine) Name() string { return "ollama/" + e.model }

// HealthCheck verifies the Ollama server responds.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}
