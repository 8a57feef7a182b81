// Package retrieval serves hybrid search over the indexed corpus: exact
// identifier lookup, full-text and semantic legs fused by reciprocal
// rank, scoped end to end by the caller's access predicate.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexcrm/nexcrm/internal/access"
	"github.com/nexcrm/nexcrm/internal/config"
	"github.com/nexcrm/nexcrm/internal/extract"
	"github.com/nexcrm/nexcrm/internal/lookup"
	"github.com/nexcrm/nexcrm/internal/metrics"
	"github.com/nexcrm/nexcrm/internal/store"
)

// threadContextLimit bounds thread siblings pulled in per conversational
// result.
const threadContextLimit = 2

// threadContextDiscount scales a sibling's score off its anchor result.
const threadContextDiscount = 0.5

// searcher is the slice of the store the engine reads. *store.Store
// satisfies it; tests substitute a fake.
type searcher interface {
	SearchText(ctx context.Context, query string, pred access.Predicate, limit int) ([]store.Hit, error)
	SearchVector(ctx context.Context, embedding []float32, pred access.Predicate, limit int) ([]store.Hit, error)
	ThreadSiblings(ctx context.Context, threadID string, excludeSourceID int64, pred access.Predicate, limit int) ([]store.Hit, error)
	RecentSources(ctx context.Context, pred access.Predicate, limit int) ([]store.Hit, error)
	ChunkWindow(ctx context.Context, sourceID int64, center, radius int) ([]store.Chunk, error)
	SourceByKey(ctx context.Context, sourceType, sourceID string) (*store.Source, error)
	TicketCustomer(ctx context.Context, ticketID int64) (*int64, error)
	TicketCommentTexts(ctx context.Context, ticketID int64, limit int) ([]string, error)
}

// finder resolves structured identifiers and intent defaults.
type finder interface {
	Find(ctx context.Context, identifiers []extract.Identifier, pred access.Predicate) ([]lookup.Match, error)
	RecentDefaults(ctx context.Context, intent extract.Intent, pred access.Predicate, limit int) ([]lookup.Match, error)
}

// queryEmbedder embeds query text for the semantic leg.
type queryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// scopeResolver computes the caller's visibility.
type scopeResolver interface {
	Resolve(ctx context.Context, identity access.Identity) (*access.ViewerScope, error)
}

// Request is one retrieval call.
type Request struct {
	Query      string
	CustomerID *int64
	TicketID   *int64

	// IncludeInternal requests internal-sensitivity rows; it only takes
	// effect for callers allowed to see them.
	IncludeInternal bool

	// AllowGlobal permits a query with no customer/ticket context.
	AllowGlobal bool

	// TopK overrides the configured result count when positive.
	TopK int
}

// Result is one ranked retrieval result.
type Result struct {
	SourceType string
	SourceKey  string
	URI        string
	Title      string
	Snippet    string
	Score      float64

	// Exact marks a structured identifier match pinned above fused
	// results.
	Exact bool

	// Structured marks output of the structured lookup leg: an identifier
	// match or an intent's recent-records default, as opposed to fuzzy
	// search evidence.
	Structured bool

	ChunkID   uuid.UUID
	SourceID  int64
	Ordinal   int
	ThreadID  string
	UpdatedAt *time.Time
}

// Response is a complete answer to one retrieval call.
type Response struct {
	Results     []Result
	Intent      extract.Intent
	Identifiers []extract.Identifier

	// Confidence is high, medium or low.
	Confidence string

	// Fallback marks a response built from recent records because the
	// query itself matched nothing visible.
	Fallback bool
}

// Engine runs retrieval queries.
type Engine struct {
	store    searcher
	finder   finder
	embedder queryEmbedder
	resolver scopeResolver
	cfg      config.Retrieval
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an Engine.
func New(st *store.Store, fnd *lookup.Finder, embedder queryEmbedder, resolver *access.Resolver, cfg config.Retrieval, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fnd == nil {
		return nil, fmt.Errorf("finder is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = 60
	}
	return &Engine{
		store:    st,
		finder:   fnd,
		embedder: embedder,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Query answers one retrieval call: authorize, run the structured, text
// and semantic legs concurrently, fuse, rank, re-check visibility and
// expand the winning snippets.
func (e *Engine) Query(ctx context.Context, identity access.Identity, req Request) (*Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query text is required")
	}

	scope, err := e.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolving viewer scope: %w", err)
	}

	qctx := access.QueryContext{
		CustomerID:      req.CustomerID,
		TicketID:        req.TicketID,
		IncludeInternal: req.IncludeInternal,
		AllowGlobal:     req.AllowGlobal,
	}
	if req.TicketID != nil {
		ticketCustomer, err := e.store.TicketCustomer(ctx, *req.TicketID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.deny(access.Denied(access.DenyTicketOutOfScope,
				fmt.Sprintf("ticket %d does not exist", *req.TicketID)))
		}
		if err != nil {
			return nil, err
		}
		qctx.TicketCustomerID = ticketCustomer
	}

	if err := access.Authorize(scope, qctx); err != nil {
		var accErr *access.AccessError
		if errors.As(err, &accErr) {
			return nil, e.deny(accErr)
		}
		return nil, err
	}

	identifiers, intent := extract.Extract(req.Query)
	pred := access.BuildPredicate(scope, qctx)

	customerKnown := qctx.CustomerID != nil || qctx.TicketCustomerID != nil
	matches, legs := e.runLegs(ctx, req.Query, identifiers, intent, customerKnown, pred)

	cands := boost(collapse(fuse(legs, e.cfg.RRFConstant)), intent, time.Now())
	results := e.assemble(scope, qctx, matches, cands)

	resp := &Response{
		Intent:      intent,
		Identifiers: identifiers,
	}

	if len(results) == 0 {
		results, err = e.fallbackRecent(ctx, scope, qctx, pred, intent)
		if err != nil {
			return nil, err
		}
		resp.Fallback = len(results) > 0
	}

	topK := req.TopK
	if topK <= 0 || topK > e.cfg.TopK {
		topK = e.cfg.TopK
	}
	if len(results) > topK {
		results = results[:topK]
	}

	results = e.expand(ctx, scope, qctx, pred, results, topK)
	resp.Results = results
	resp.Confidence = confidence(results, e.cfg.MinFusedScore)
	if resp.Fallback {
		resp.Confidence = ConfidenceLow
	}

	if e.metrics != nil {
		e.metrics.Queries.WithLabelValues(string(intent)).Inc()
		e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("query served",
		"intent", intent, "identifiers", len(identifiers),
		"results", len(resp.Results), "confidence", resp.Confidence,
		"fallback", resp.Fallback, "duration", time.Since(start))
	return resp, nil
}

func (e *Engine) deny(err *access.AccessError) error {
	if e.metrics != nil {
		e.metrics.QueriesDenied.WithLabelValues(string(err.Reason)).Inc()
	}
	return err
}

// runLegs runs the structured lookup and both search legs concurrently.
// With no identifiers extracted, the structured leg instead serves the
// intent's recent-records default for callers with a customer in context.
// Leg failures are soft: a failing leg logs, contributes nothing and the
// remaining legs still answer.
func (e *Engine) runLegs(ctx context.Context, query string, identifiers []extract.Identifier, intent extract.Intent, customerKnown bool, pred access.Predicate) ([]lookup.Match, [][]store.Hit) {
	var (
		wg      sync.WaitGroup
		matches []lookup.Match
		text    []store.Hit
		vector  []store.Hit
	)

	switch {
	case len(identifiers) > 0:
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			matches, err = e.finder.Find(ctx, identifiers, pred)
			if err != nil {
				e.logger.Warn("structured lookup leg failed", "error", err)
			}
		}()
	case customerKnown:
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			matches, err = e.finder.RecentDefaults(ctx, intent, pred, e.cfg.TopK)
			if err != nil {
				e.logger.Warn("recent-defaults leg failed", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		text, err = e.store.SearchText(ctx, query, pred, e.cfg.CandidateLimit)
		if err != nil {
			e.logger.Warn("text leg failed", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		vec, err := e.embedder.EmbedQuery(ctx, query)
		if err != nil {
			e.logger.Warn("query embedding failed", "error", err)
			return
		}
		vector, err = e.store.SearchVector(ctx, vec, pred, e.cfg.CandidateLimit)
		if err != nil {
			e.logger.Warn("vector leg failed", "error", err)
		}
	}()

	wg.Wait()
	return matches, [][]store.Hit{text, vector}
}

// assemble pins structured matches ahead of the fused candidates, dedupes
// by source and re-checks row visibility in process.
func (e *Engine) assemble(scope *access.ViewerScope, qctx access.QueryContext, matches []lookup.Match, cands []candidate) []Result {
	seen := make(map[int64]bool)
	var results []Result

	add := func(hit store.Hit, score float64, exact, structured bool) {
		if seen[hit.SourceID] {
			return
		}
		if !access.CanViewRow(scope, qctx, rowMeta(hit)) {
			e.logger.Warn("predicate returned invisible row",
				"source_type", hit.SourceType, "source_id", hit.SourceKey)
			return
		}
		seen[hit.SourceID] = true
		r := resultFromHit(hit)
		r.Score = score
		r.Exact = exact
		r.Structured = structured
		results = append(results, r)
	}

	for _, m := range matches {
		add(m.Hit, m.Score, m.Exact, true)
	}
	for _, c := range cands {
		if c.score < e.cfg.MinFusedScore {
			continue
		}
		add(c.hit, c.score, false, false)
	}
	return results
}

func rowMeta(hit store.Hit) access.RowMeta {
	return access.RowMeta{
		Sensitivity: hit.Sensitivity,
		CustomerID:  hit.CustomerID,
		Department:  hit.Department,
	}
}

func resultFromHit(hit store.Hit) Result {
	return Result{
		SourceType: hit.SourceType,
		SourceKey:  hit.SourceKey,
		URI:        hit.URI,
		Title:      hit.Title,
		Snippet:    hit.Text,
		ChunkID:    hit.ChunkID,
		SourceID:   hit.SourceID,
		Ordinal:    hit.Ordinal,
		ThreadID:   hit.ThreadID,
		UpdatedAt:  hit.RecordUpdatedAt,
	}
}

// fallbackTypes narrows the recent-records fallback to the record kinds a
// precision intent is actually about.
var fallbackTypes = map[extract.Intent][]string{
	extract.IntentLogisticsShipping: {"shipment", "order"},
	extract.IntentPaymentsTerms:     {"invoice", "estimate", "order"},
}

// fallbackRecent serves the most recently updated visible records when the
// query itself matched nothing. An empty answer helps nobody triaging a
// customer call.
func (e *Engine) fallbackRecent(ctx context.Context, scope *access.ViewerScope, qctx access.QueryContext, pred access.Predicate, intent extract.Intent) ([]Result, error) {
	if types, ok := fallbackTypes[intent]; ok {
		pred = pred.And("s.source_type = ANY(?)", types)
	}
	hits, err := e.store.RecentSources(ctx, pred, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("recent fallback: %w", err)
	}
	var results []Result
	for _, hit := range hits {
		if !access.CanViewRow(scope, qctx, rowMeta(hit)) {
			continue
		}
		results = append(results, resultFromHit(hit))
	}
	return results, nil
}

// expand widens each winning snippet with its neighboring chunks and pulls
// bounded thread context for conversational results, concurrently across
// results. Thread siblings join the list at a discount and dedupe against
// existing results, keeping the higher score.
func (e *Engine) expand(ctx context.Context, scope *access.ViewerScope, qctx access.QueryContext, pred access.Predicate, results []Result, topK int) []Result {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		siblings []Result
	)

	for i := range results {
		wg.Add(1)
		go func(r *Result) {
			defer wg.Done()

			window, err := e.store.ChunkWindow(ctx, r.SourceID, r.Ordinal, 1)
			if err != nil {
				e.logger.Warn("snippet expansion failed", "source_id", r.SourceID, "error", err)
			} else if len(window) > 1 {
				parts := make([]string, len(window))
				for j, c := range window {
					parts[j] = c.Text
				}
				r.Snippet = strings.Join(parts, "\n")
			}

			if r.ThreadID == "" {
				return
			}
			hits, err := e.store.ThreadSiblings(ctx, r.ThreadID, r.SourceID, pred, threadContextLimit)
			if err != nil {
				e.logger.Warn("thread expansion failed", "thread_id", r.ThreadID, "error", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				if !access.CanViewRow(scope, qctx, rowMeta(hit)) {
					continue
				}
				sib := resultFromHit(hit)
				sib.Score = r.Score * threadContextDiscount
				siblings = append(siblings, sib)
			}
		}(&results[i])
	}
	wg.Wait()

	return mergeResults(results, siblings, topK)
}

// mergeResults folds thread siblings into the ranked list, deduplicating
// by source and keeping the higher score. Pinned exact matches never lose
// their position to a sibling.
func mergeResults(results, siblings []Result, topK int) []Result {
	index := make(map[int64]int, len(results))
	for i, r := range results {
		index[r.SourceID] = i
	}
	for _, sib := range siblings {
		if i, ok := index[sib.SourceID]; ok {
			if sib.Score > results[i].Score && !results[i].Exact && !results[i].Structured {
				results[i] = sib
			}
			continue
		}
		index[sib.SourceID] = len(results)
		results = append(results, sib)
	}

	// Exact matches stay pinned ahead of everything else.
	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return resultLess(results[j], results[i])
	})
}

// resultLess orders a below b: exact first, then score.
func resultLess(a, b Result) bool {
	if a.Exact != b.Exact {
		return !a.Exact
	}
	return a.Score < b.Score
}
