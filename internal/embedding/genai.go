package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/Xsaven/vector-memory-mcp/internal/logging"
)

// genaiMaxBatchSize is the largest batch the GenAI embed API accepts in a
// single request.
const genaiMaxBatchSize = 100

// GenAIEngine generates embeddings using Google's Gemini embedding API.
type GenAIEngine struct {
	client *genai.Client
	model  string
	dims   int
}

// NewGenAIEngine creates a GenAI-backed engine.
func NewGenAIEngine(apiKey, model string, dims int) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dims <= 0 {
		return nil, fmt.Errorf("genai engine requires positive dimensions, got %d", dims)
	}

	logging.Embedding("genai engine: model=%s dim=%d", model, dims)

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIEngine{client: client, model: model, dims: dims}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting into
// API-sized chunks.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	dims := int32(e.dims)

	for start := 0; start < len(texts); start += genaiMaxBatchSize {
		end := start + genaiMaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}

		result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			OutputDimensionality: &dims,
		})
		if err != nil {
			return nil, fmt.Errorf("genai embed failed: %w", err)
		}
		if len(result.Embeddings) != end-start {
			return nil, fmt.Errorf("genai returned %d embeddings for %d inputs", len(result.Embeddings), end-start)
		}
		for _, emb := range result.Embeddings {
			if len(emb.Values) != e.dims {
				return nil, fmt.Errorf("genai produced %d dimensions, expected %d", len(emb.Values), e.dims)
			}
			out = append(out, Normalize(emb.Values))
		}
	}
	return out, nil
}

// Dimensions returns the configured vector dimensionality.
func (e *GenAIEngine) Dimensions() int { return e.dims }

// Name returns the engine identifier.
func (e *GenAIEngine) Name() string { return "genai/" + e.model }
