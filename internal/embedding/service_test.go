package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nexcrm/nexcrm/internal/log"
)

// flakyEmbedder fails a configurable number of calls before succeeding.
type flakyEmbedder struct {
	failuresLeft int
	calls        int
	dims         int
}

func (f *flakyEmbedder) Embed(_ context.Context, texts []string, _ Task) ([][]float32, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dims)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *flakyEmbedder) Dims() int { return f.dims }

func (f *flakyEmbedder) Model() string { return "flaky-test-model" }

func newTestService(t *testing.T, provider Embedder) *Service {
	t.Helper()
	svc, err := NewService(provider, NewMemoryCache(), time.Second, 4, 1000, log.NewNop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestDeterministic_StableAndUnit(t *testing.T) {
	d := NewDeterministic(64)

	a1, err := d.Embed(context.Background(), []string{"hello"}, TaskDocument)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	a2, _ := d.Embed(context.Background(), []string{"hello"}, TaskQuery)
	b, _ := d.Embed(context.Background(), []string{"goodbye"}, TaskDocument)

	for i := range a1[0] {
		if a1[0][i] != a2[0][i] {
			t.Fatalf("deterministic embedder not stable at index %d", i)
		}
	}

	same := true
	for i := range a1[0] {
		if a1[0][i] != b[0][i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}

	var norm float64
	for _, v := range a1[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Errorf("vector norm = %f, want 1", norm)
	}
}

func TestNormalizeInPlace_ZeroVector(t *testing.T) {
	vec := make([]float32, 8)
	NormalizeInPlace(vec)
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("zero vector changed at %d: %f", i, v)
		}
	}
}

func TestFitDimension(t *testing.T) {
	vec := []float32{3, 4}

	padded := FitDimension(vec, 4)
	if len(padded) != 4 {
		t.Fatalf("len = %d, want 4", len(padded))
	}
	var norm float64
	for _, v := range padded {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Errorf("padded norm = %f, want 1", norm)
	}

	trunc := FitDimension([]float32{1, 0, 0, 0}, 2)
	if len(trunc) != 2 {
		t.Fatalf("len = %d, want 2", len(trunc))
	}
}

func TestCacheKey_ModelSeparation(t *testing.T) {
	if CacheKey("model-a", "text") == CacheKey("model-b", "text") {
		t.Error("cache keys for different models collide")
	}
	if CacheKey("model", "a") == CacheKey("model", "b") {
		t.Error("cache keys for different texts collide")
	}
	if CacheKey("m", "text") != CacheKey("m", "text") {
		t.Error("cache key not stable")
	}
}

func TestService_CacheHitSkipsProvider(t *testing.T) {
	provider := &flakyEmbedder{dims: 16}
	svc := newTestService(t, provider)
	ctx := context.Background()

	if _, err := svc.EmbedTexts(ctx, []string{"alpha", "beta"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	callsAfterFirst := provider.calls

	if _, err := svc.EmbedTexts(ctx, []string{"alpha", "beta"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if provider.calls != callsAfterFirst {
		t.Errorf("provider called %d times after cache warm, want %d", provider.calls, callsAfterFirst)
	}
}

func TestService_SharedTextSharesCacheEntry(t *testing.T) {
	provider := &flakyEmbedder{dims: 16}
	cache := NewMemoryCache()
	svc, err := NewService(provider, cache, time.Second, 4, 1000, log.NewNop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	// Identical text appearing in two batches produces a single cache entry.
	if _, err := svc.EmbedTexts(context.Background(), []string{"dup", "dup"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", cache.Len())
	}
}

func TestService_DegradesToDeterministic(t *testing.T) {
	provider := &flakyEmbedder{dims: 16, failuresLeft: 100}
	svc := newTestService(t, provider)

	vecs, err := svc.EmbedTexts(context.Background(), []string{"x"}, TaskDocument)
	if err != nil {
		t.Fatalf("EmbedTexts should degrade, not fail: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 16 {
		t.Fatalf("degraded vectors malformed: %v", vecs)
	}

	want, _ := NewDeterministic(16).Embed(context.Background(), []string{"x"}, TaskDocument)
	for i := range want[0] {
		if vecs[0][i] != want[0][i] {
			t.Fatalf("degraded vector differs from deterministic generator at %d", i)
		}
	}
}

func TestService_DegradeCallbackReportsBatch(t *testing.T) {
	provider := &flakyEmbedder{dims: 16, failuresLeft: 1}
	svc := newTestService(t, provider)

	var degraded int
	svc.OnDegrade(func(batch int) { degraded += batch })

	ctx := context.Background()
	if _, err := svc.EmbedTexts(ctx, []string{"a", "b"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if degraded != 2 {
		t.Errorf("degraded texts = %d, want 2", degraded)
	}

	// Provider recovered: no further callbacks.
	if _, err := svc.EmbedTexts(ctx, []string{"c"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if degraded != 2 {
		t.Errorf("degraded texts after recovery = %d, want 2", degraded)
	}
}

func TestService_DegradedVectorsNotCached(t *testing.T) {
	provider := &flakyEmbedder{dims: 16, failuresLeft: 1}
	cache := NewMemoryCache()
	svc, err := NewService(provider, cache, time.Second, 4, 1000, log.NewNop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.EmbedTexts(ctx, []string{"y"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("degraded vector was cached, entries = %d", cache.Len())
	}

	// Provider recovered: now the real vector lands in the cache.
	if _, err := svc.EmbedTexts(ctx, []string{"y"}, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("recovered vector not cached, entries = %d", cache.Len())
	}
}

func TestService_BatchesRespectLimit(t *testing.T) {
	provider := &flakyEmbedder{dims: 8}
	svc := newTestService(t, provider) // batchSize 4

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = string(rune('a' + i))
	}
	if _, err := svc.EmbedTexts(context.Background(), texts, TaskDocument); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if provider.calls != 3 { // ceil(10/4)
		t.Errorf("provider calls = %d, want 3", provider.calls)
	}
}
