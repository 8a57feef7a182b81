package textproc

import "strings"

// ChunkSpec bounds chunk size and overlap in estimated tokens.
type ChunkSpec struct {
	MaxTokens     int
	OverlapTokens int
}

// Per-kind chunk bounds. Comments get tighter bounds than tickets and
// emails; structured records sit in between.
var chunkSpecs = map[string]ChunkSpec{
	"ticket":   {MaxTokens: 400, OverlapTokens: 60},
	"email":    {MaxTokens: 400, OverlapTokens: 60},
	"comment":  {MaxTokens: 220, OverlapTokens: 30},
	"order":    {MaxTokens: 320, OverlapTokens: 40},
	"invoice":  {MaxTokens: 320, OverlapTokens: 40},
	"estimate": {MaxTokens: 320, OverlapTokens: 40},
	"shipment": {MaxTokens: 320, OverlapTokens: 40},
	"customer": {MaxTokens: 320, OverlapTokens: 40},
}

var defaultChunkSpec = ChunkSpec{MaxTokens: 320, OverlapTokens: 40}

// SpecFor returns the chunk bounds for a source kind.
func SpecFor(kind string) ChunkSpec {
	if spec, ok := chunkSpecs[kind]; ok {
		return spec
	}
	return defaultChunkSpec
}

// Chunk is one token-bounded slice of cleaned text.
type Chunk struct {
	Text          string
	TokenEstimate int
}

// EstimateTokens approximates the token count of text. The 4-chars-per-token
// heuristic tracks typical embedding tokenizers closely enough for bounding
// chunk sizes.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Split divides cleaned text into overlapping chunks bounded by the spec for
// the given source kind. Chunks are returned in order; consecutive chunks
// share roughly OverlapTokens of trailing/leading context.
func Split(text, kind string) []Chunk {
	spec := SpecFor(kind)
	return SplitWithSpec(text, spec)
}

// SplitWithSpec divides text using explicit bounds.
func SplitWithSpec(text string, spec ChunkSpec) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if spec.MaxTokens <= 0 {
		spec = defaultChunkSpec
	}
	if spec.OverlapTokens >= spec.MaxTokens {
		spec.OverlapTokens = spec.MaxTokens / 4
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	// Token cost per word, precomputed once.
	costs := make([]int, len(words))
	for i, w := range words {
		c := (len(w) + 4) / 4 // word plus the following space
		if c < 1 {
			c = 1
		}
		costs[i] = c
	}

	var chunks []Chunk
	start := 0
	for start < len(words) {
		tokens := 0
		end := start
		for end < len(words) && tokens+costs[end] <= spec.MaxTokens {
			tokens += costs[end]
			end++
		}
		if end == start {
			// Single oversized word; emit it alone rather than loop forever.
			tokens = costs[start]
			end = start + 1
		}

		chunkText := strings.Join(words[start:end], " ")
		chunks = append(chunks, Chunk{Text: chunkText, TokenEstimate: EstimateTokens(chunkText)})

		if end >= len(words) {
			break
		}

		// Step back by the overlap budget for the next window.
		back := end
		overlap := 0
		for back > start+1 && overlap < spec.OverlapTokens {
			back--
			overlap += costs[back]
		}
		start = back
	}

	return chunks
}
