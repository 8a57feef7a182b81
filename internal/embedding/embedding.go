// Package embedding turns text into fixed-dimension vectors.
//
// A single Embedder capability is implemented by two remote providers
// (Gemini via google.golang.org/genai, and any OpenAI-compatible
// /v1/embeddings endpoint) plus a deterministic offline generator. Provider
// selection happens at construction time from configuration, never by
// runtime type inspection. The Service wrapper adds hash-keyed caching,
// batching, rate limiting, per-call timeouts and automatic degradation to
// the deterministic generator, so a provider outage costs ranking quality
// rather than availability.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
)

// Embedder computes dense vector representations for texts, batched.
// Implementations must be safe for concurrent use and must return one
// vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, task Task) ([][]float32, error)

	// Dims is the output vector width.
	Dims() int

	// Model identifies the embedding model; it participates in cache keys.
	Model() string
}

// Task hints the provider about the asymmetric retrieval role of the text.
type Task string

const (
	// TaskDocument marks corpus text being indexed.
	TaskDocument Task = "RETRIEVAL_DOCUMENT"

	// TaskQuery marks a search query.
	TaskQuery Task = "RETRIEVAL_QUERY"
)

// CacheKey derives the embedding-cache key for one text under one model.
// Identical text across sources shares one cache entry.
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeInPlace scales vec to unit length. Zero vectors pass through
// unchanged. Similarity scoring assumes unit vectors, so every vector is
// normalized before storage.
func NormalizeInPlace(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// FitDimension truncates or zero-pads vec to dims, then re-normalizes.
// Used for providers whose native output size differs from the pgvector
// column width.
func FitDimension(vec []float32, dims int) []float32 {
	if len(vec) == dims {
		return vec
	}
	out := make([]float32, dims)
	copy(out, vec)
	NormalizeInPlace(out)
	return out
}
