package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexcrm/nexcrm/internal/config"
)

// cacheShardSize bounds the key count per concurrent cache lookup.
const cacheShardSize = 256

// Service wraps a provider with caching, batching, rate limiting and
// deterministic fallback.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	provider  Embedder
	fallback  *Deterministic
	cache     Cache
	limiter   *rate.Limiter
	timeout   time.Duration
	batchSize int
	logger    *slog.Logger
	onDegrade func(batch int)
}

// NewService creates a Service around the given provider.
func NewService(provider Embedder, cache Cache, timeout time.Duration, batchSize int, ratePerSecond float64, logger *slog.Logger) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider:  provider,
		fallback:  NewDeterministic(provider.Dims()),
		cache:     cache,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		timeout:   timeout,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// NewServiceFromConfig selects a provider from configuration: a remote
// provider when its API key is present, the deterministic generator
// otherwise. The cache is Redis when configured, in-process otherwise.
func NewServiceFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	dims := cfg.Embedding.Dimension
	model := cfg.EmbeddingModel()

	var provider Embedder
	switch {
	case cfg.Embedding.Provider == config.ProviderGemini && cfg.Embedding.GeminiAPIKey != "":
		g, err := NewGemini(ctx, cfg.Embedding.GeminiAPIKey, model, dims)
		if err != nil {
			return nil, err
		}
		provider = g
	case cfg.Embedding.Provider == config.ProviderOpenAI && cfg.Embedding.OpenAIAPIKey != "":
		o, err := NewOpenAI(cfg.Embedding.OpenAIAPIKey, "", model, dims)
		if err != nil {
			return nil, err
		}
		provider = o
	default:
		if cfg.Embedding.Provider != config.ProviderOffline {
			logger.Warn("embedding provider has no API key, using offline generator",
				"provider", cfg.Embedding.Provider)
		}
		provider = NewDeterministic(dims)
	}

	var cache Cache
	if cfg.Embedding.RedisAddr != "" {
		rc, err := NewRedisCache(ctx, cfg.Embedding.RedisAddr, cfg.Embedding.RedisPassword)
		if err != nil {
			return nil, err
		}
		cache = rc
	} else {
		cache = NewMemoryCache()
	}

	return NewService(provider, cache,
		cfg.Embedding.Timeout, cfg.Embedding.BatchSize, cfg.Embedding.RatePerSecond, logger)
}

// OnDegrade registers a callback invoked with the batch size whenever the
// provider fails and a batch degrades to deterministic vectors. Set it
// before the Service is shared between goroutines.
func (s *Service) OnDegrade(fn func(batch int)) { s.onDegrade = fn }

// Dims is the output vector width.
func (s *Service) Dims() int { return s.provider.Dims() }

// Model identifies the active provider model.
func (s *Service) Model() string { return s.provider.Model() }

// EmbedTexts embeds texts, returning one unit vector per input in order.
//
// Cached entries are fetched first (sharded, concurrent); only uncached
// texts are sent to the provider, in bounded batches under the rate
// limiter. A provider error or timeout degrades that batch to deterministic
// vectors instead of failing the call. Provider results are written back to
// the cache; degraded vectors are not, so a recovered provider replaces them
// on the next pass.
func (s *Service) EmbedTexts(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = CacheKey(s.provider.Model(), text)
	}

	cached, err := s.lookupCache(ctx, keys)
	if err != nil {
		s.logger.Warn("embedding cache lookup failed", "error", err)
		cached = map[string][]float32{}
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	for i, key := range keys {
		if vec, ok := cached[key]; ok {
			out[i] = vec
		} else {
			missIdx = append(missIdx, i)
		}
	}

	for start := 0; start < len(missIdx); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]

		batchTexts := make([]string, len(batch))
		for j, i := range batch {
			batchTexts[j] = texts[i]
		}

		vecs, degraded := s.embedBatch(ctx, batchTexts, task)
		writeBack := make(map[string][]float32, len(batch))
		for j, i := range batch {
			out[i] = vecs[j]
			if !degraded {
				writeBack[keys[i]] = vecs[j]
			}
		}
		if len(writeBack) > 0 {
			if err := s.cache.PutBatch(ctx, writeBack); err != nil {
				s.logger.Warn("embedding cache write failed", "error", err)
			}
		}
	}

	return out, nil
}

// EmbedQuery embeds a single query string.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedTexts(ctx, []string{text}, TaskQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedBatch calls the provider with timeout and rate limiting, degrading
// to the deterministic generator on any failure. The bool result reports
// whether the batch was degraded.
func (s *Service) embedBatch(ctx context.Context, texts []string, task Task) ([][]float32, bool) {
	if err := s.limiter.Wait(ctx); err != nil {
		return s.degrade(texts, task, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vecs, err := s.provider.Embed(callCtx, texts, task)
	if err != nil {
		return s.degrade(texts, task, err)
	}
	if len(vecs) != len(texts) {
		return s.degrade(texts, task, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts)))
	}
	return vecs, false
}

func (s *Service) degrade(texts []string, task Task, cause error) ([][]float32, bool) {
	s.logger.Warn("embedding provider unavailable, using deterministic fallback",
		"model", s.provider.Model(), "batch", len(texts), "error", cause)
	if s.onDegrade != nil {
		s.onDegrade(len(texts))
	}
	vecs, _ := s.fallback.Embed(context.Background(), texts, task)
	return vecs, true
}

// lookupCache fans the key set out over bounded shards and joins the
// results.
func (s *Service) lookupCache(ctx context.Context, keys []string) (map[string][]float32, error) {
	if len(keys) <= cacheShardSize {
		return s.cache.GetBatch(ctx, keys)
	}

	type shardResult struct {
		entries map[string][]float32
		err     error
	}

	var shards [][]string
	for start := 0; start < len(keys); start += cacheShardSize {
		end := start + cacheShardSize
		if end > len(keys) {
			end = len(keys)
		}
		shards = append(shards, keys[start:end])
	}

	results := make([]shardResult, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		wg.Add(1)
		go func(i int, shard []string) {
			defer wg.Done()
			entries, err := s.cache.GetBatch(ctx, shard)
			results[i] = shardResult{entries: entries, err: err}
		}(i, shard)
	}
	wg.Wait()

	merged := make(map[string][]float32, len(keys))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		for k, v := range r.entries {
			merged[k] = v
		}
	}
	return merged, nil
}
