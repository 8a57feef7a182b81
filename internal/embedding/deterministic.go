package embedding

import (
	"context"
	"hash/fnv"
)

// Deterministic generates embeddings from a text hash. The same text always
// produces the same unit vector, which keeps the system fully testable
// without network access and gives bounded-latency degradation when no
// remote provider is available.
type Deterministic struct {
	dims int
}

// NewDeterministic creates the offline hash embedder.
func NewDeterministic(dims int) *Deterministic {
	return &Deterministic{dims: dims}
}

func (d *Deterministic) Embed(_ context.Context, texts []string, _ Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = d.vector(text)
	}
	return out, nil
}

func (d *Deterministic) Dims() int { return d.dims }

func (d *Deterministic) Model() string { return "offline-hash" }

// vector derives a unit vector from an FNV seed expanded with an LCG.
func (d *Deterministic) vector(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vec := make([]float32, d.dims)
	for i := range vec {
		seed = seed*1664525 + 1013904223 // LCG constants
		vec[i] = float32(seed%2000)/1000.0 - 1.0
	}
	NormalizeInPlace(vec)
	return vec
}
