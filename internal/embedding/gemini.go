package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini embeds via the Gemini API. gemini-embedding-001 natively outputs
// 3072 dimensions but supports truncation through OutputDimensionality
// (Matryoshka Representation Learning); we request the pgvector column
// width directly.
type Gemini struct {
	client *genai.Client
	model  string
	dims   int
}

// NewGemini creates a Gemini embedder.
func NewGemini(ctx context.Context, apiKey, model string, dims int) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, dims: dims}, nil
}

func (g *Gemini) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dim := int32(g.dims)
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
		TaskType:             string(task),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embed: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini embed: empty embedding at index %d", i)
		}
		vec := FitDimension(emb.Values, g.dims)
		NormalizeInPlace(vec)
		out[i] = vec
	}
	return out, nil
}

func (g *Gemini) Dims() int { return g.dims }

func (g *Gemini) Model() string { return g.model }
