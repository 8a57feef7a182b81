// Package ingest runs the durable ingestion pipeline: claiming queued
// jobs, extracting and cleaning record content, chunking, embedding and
// writing the results to the retrieval index.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/nexcrm/nexcrm/internal/config"
	"github.com/nexcrm/nexcrm/internal/embedding"
	"github.com/nexcrm/nexcrm/internal/metrics"
	"github.com/nexcrm/nexcrm/internal/source"
	"github.com/nexcrm/nexcrm/internal/store"
	"github.com/nexcrm/nexcrm/internal/textproc"
)

// Job outcomes recorded per processed job.
const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

// storage is the slice of the store the pipeline drives. *store.Store
// satisfies it; tests substitute a fake.
type storage interface {
	Claim(ctx context.Context) (*store.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID, resultSourceID int64, resultChunks int) error
	Skip(ctx context.Context, jobID uuid.UUID, note string) error
	Fail(ctx context.Context, jobID uuid.UUID, code, message string, retryAt *time.Time) error
	Enqueue(ctx context.Context, sourceType, sourceID, operation string, priority, maxAttempts int) (uuid.UUID, bool, error)
	QueueCounts(ctx context.Context) (map[string]int64, error)

	SourceByKey(ctx context.Context, sourceType, sourceID string) (*store.Source, error)
	ApplyUpsert(ctx context.Context, src *store.Source, chunks []store.Chunk) (int64, error)
	RefreshSource(ctx context.Context, src *store.Source) (int64, error)
	ApplyDelete(ctx context.Context, sourceType, sourceID string) (bool, error)
	ResolveParentByMessageID(ctx context.Context, messageID string) (int64, error)
	ResolveParentByThread(ctx context.Context, threadID, sourceType, sourceID string, before time.Time) (int64, error)

	GetCursor(ctx context.Context, sourceType string) (store.Cursor, error)
	AdvanceCursor(ctx context.Context, cur store.Cursor) error
	ChangedSince(ctx context.Context, cur store.Cursor, limit int) ([]store.ChangedRecord, error)
}

// Fetcher loads the current state of an originating record.
type Fetcher interface {
	Fetch(ctx context.Context, typ source.Type, id string) (*source.Input, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string, task embedding.Task) ([][]float32, error)
}

// Pipeline claims jobs from the durable queue and processes them on a
// bounded worker pool.
type Pipeline struct {
	store    storage
	fetcher  Fetcher
	embedder Embedder
	pool     *ants.Pool
	cfg      config.Ingest
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Pipeline. The worker pool is sized by cfg.Workers; Submit
// blocks when every worker is busy, which naturally paces the claim loop.
func New(st *store.Store, fetcher Fetcher, embedder Embedder, cfg config.Ingest, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Pipeline{
		store:    st,
		fetcher:  fetcher,
		embedder: embedder,
		pool:     pool,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Release frees the worker pool. In-flight jobs finish first.
func (p *Pipeline) Release() {
	p.pool.Release()
}

// Run claims and processes jobs until ctx is cancelled. Each poll drains
// the queue of due jobs before sleeping.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("ingestion pipeline started",
		"workers", p.cfg.Workers, "poll_interval", interval)

	for {
		p.drain(ctx)
		p.reportQueueDepth(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("ingestion pipeline stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) reportQueueDepth(ctx context.Context) {
	if p.metrics == nil || ctx.Err() != nil {
		return
	}
	counts, err := p.store.QueueCounts(ctx)
	if err != nil {
		p.logger.Warn("reading queue depth", "error", err)
		return
	}
	for _, status := range []string{store.JobPending, store.JobProcessing, store.JobFailed} {
		p.metrics.QueueDepth.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := p.store.Claim(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			p.logger.Error("claiming job", "error", err)
			return
		}

		if err := p.pool.Submit(func() { p.handle(ctx, job) }); err != nil {
			// Pool released mid-shutdown; put the job back for the next run.
			retryAt := time.Now()
			if failErr := p.store.Fail(ctx, job.ID, "worker_unavailable", err.Error(), &retryAt); failErr != nil {
				p.logger.Error("requeueing job after submit failure", "job", job.ID, "error", failErr)
			}
			return
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, job *store.Job) {
	start := time.Now()
	outcome, err := p.process(ctx, job)

	if p.metrics != nil {
		p.metrics.JobDuration.Observe(time.Since(start).Seconds())
		p.metrics.JobsProcessed.WithLabelValues(job.Operation, outcome).Inc()
	}

	logger := p.logger.With("job", job.ID, "source_type", job.SourceType,
		"source_id", job.SourceID, "operation", job.Operation,
		"attempt", job.Attempts, "outcome", outcome)
	if err != nil {
		logger.Warn("job did not complete", "error", err)
		return
	}
	logger.Debug("job processed", "duration", time.Since(start))
}

// process runs one claimed job to a terminal or retryable state. The
// returned error is the underlying cause for logging; queue status
// transitions have already been recorded.
func (p *Pipeline) process(ctx context.Context, job *store.Job) (string, error) {
	if job.Operation == store.OpDelete {
		return p.processDelete(ctx, job)
	}
	return p.processUpsert(ctx, job)
}

func (p *Pipeline) processDelete(ctx context.Context, job *store.Job) (string, error) {
	existed, err := p.store.ApplyDelete(ctx, job.SourceType, job.SourceID)
	if err != nil {
		return p.retryOrFail(ctx, job, "store_failed", err)
	}
	if !existed {
		p.logger.Debug("delete for unindexed source", "source_type", job.SourceType, "source_id", job.SourceID)
	}
	if err := p.store.Complete(ctx, job.ID, 0, 0); err != nil {
		return outcomeFailed, err
	}
	return outcomeCompleted, nil
}

func (p *Pipeline) processUpsert(ctx context.Context, job *store.Job) (string, error) {
	input, err := p.fetcher.Fetch(ctx, source.Type(job.SourceType), job.SourceID)
	if errors.Is(err, source.ErrNotFound) {
		// The record vanished between enqueue and claim. Not a failure.
		if skipErr := p.store.Skip(ctx, job.ID, err.Error()); skipErr != nil {
			return outcomeFailed, skipErr
		}
		return outcomeSkipped, nil
	}
	if err != nil {
		return p.retryOrFail(ctx, job, "fetch_failed", err)
	}

	text := textproc.Clean(input.Content)
	hash := ContentHash(text)
	src := p.buildSource(ctx, input, text, hash)

	// Unchanged content under a plain upsert refreshes the row metadata
	// and keeps the existing chunks and embeddings. A reindex always
	// rebuilds.
	if job.Operation == store.OpUpsert {
		existing, exErr := p.store.SourceByKey(ctx, job.SourceType, job.SourceID)
		if exErr == nil && existing.ContentHash == hash {
			id, refErr := p.store.RefreshSource(ctx, src)
			if refErr != nil {
				return p.retryOrFail(ctx, job, "store_failed", refErr)
			}
			if err := p.store.Complete(ctx, job.ID, id, 0); err != nil {
				return outcomeFailed, err
			}
			return outcomeCompleted, nil
		}
		if exErr != nil && !errors.Is(exErr, store.ErrNotFound) {
			return p.retryOrFail(ctx, job, "store_failed", exErr)
		}
	}

	chunks, err := p.buildChunks(ctx, text, job.SourceType)
	if err != nil {
		return p.retryOrFail(ctx, job, "embed_failed", err)
	}

	id, err := p.store.ApplyUpsert(ctx, src, chunks)
	if err != nil {
		return p.retryOrFail(ctx, job, "store_failed", err)
	}
	if p.metrics != nil {
		p.metrics.ChunksEmbedded.Add(float64(len(chunks)))
	}
	if err := p.store.Complete(ctx, job.ID, id, len(chunks)); err != nil {
		return outcomeFailed, err
	}
	return outcomeCompleted, nil
}

// buildSource maps an extracted record onto its stored form, resolving the
// reply-thread parent. An explicit in_reply_to message id wins; otherwise
// the most recent earlier record in the same thread becomes the parent.
func (p *Pipeline) buildSource(ctx context.Context, input *source.Input, text, hash string) *store.Source {
	var parentID *int64
	if ref := input.Metadata["in_reply_to"]; ref != "" {
		pid, err := p.store.ResolveParentByMessageID(ctx, ref)
		if err != nil {
			p.logger.Warn("resolving reply parent", "in_reply_to", ref, "error", err)
		} else if pid != 0 {
			parentID = &pid
		}
	}
	if parentID == nil && input.ThreadID != "" {
		pid, err := p.store.ResolveParentByThread(ctx, input.ThreadID, string(input.Type), input.SourceID, input.RecordCreatedAt)
		if err != nil {
			p.logger.Warn("resolving thread parent", "thread_id", input.ThreadID, "error", err)
		} else if pid != 0 {
			parentID = &pid
		}
	}

	createdAt := input.RecordCreatedAt
	updatedAt := input.RecordUpdatedAt
	return &store.Source{
		SourceType:      string(input.Type),
		SourceID:        input.SourceID,
		URI:             input.URI,
		CustomerID:      input.CustomerID,
		TicketID:        input.TicketID,
		ThreadID:        input.ThreadID,
		ParentID:        parentID,
		Sensitivity:     input.Sensitivity,
		OwnerUserID:     input.OwnerUserID,
		Title:           input.Title,
		ContentText:     text,
		ContentHash:     hash,
		Metadata:        input.Metadata,
		RecordCreatedAt: &createdAt,
		RecordUpdatedAt: &updatedAt,
	}
}

// buildChunks splits cleaned text and embeds every piece. Empty text
// produces no chunks; the source row still exists but is invisible to
// search.
func (p *Pipeline) buildChunks(ctx context.Context, text, kind string) ([]store.Chunk, error) {
	pieces := textproc.Split(text, kind)
	if len(pieces) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Text
	}
	vectors, err := p.embedder.EmbedTexts(ctx, texts, embedding.TaskDocument)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(texts), err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	now := time.Now()
	chunks := make([]store.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = store.Chunk{
			ID:            uuid.New(),
			Ordinal:       i,
			ChunkCount:    len(pieces),
			Text:          piece.Text,
			Hash:          ContentHash(piece.Text),
			TokenEstimate: piece.TokenEstimate,
			Embedding:     vectors[i],
			EmbeddedAt:    &now,
		}
	}
	return chunks, nil
}

// retryOrFail records a job failure, scheduling a retry with exponential
// backoff until the attempt budget is spent.
func (p *Pipeline) retryOrFail(ctx context.Context, job *store.Job, code string, cause error) (string, error) {
	if job.Attempts >= job.MaxAttempts {
		if err := p.store.Fail(ctx, job.ID, code, cause.Error(), nil); err != nil {
			return outcomeFailed, errors.Join(cause, err)
		}
		return outcomeFailed, cause
	}

	retryAt := time.Now().Add(backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffCap, job.Attempts))
	if err := p.store.Fail(ctx, job.ID, code, cause.Error(), &retryAt); err != nil {
		return outcomeFailed, errors.Join(cause, err)
	}
	return outcomeRetried, cause
}

// backoffDelay doubles the base delay per completed attempt, capped.
func backoffDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// ContentHash is the canonical hash of cleaned content, hex-encoded
// SHA-256.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
