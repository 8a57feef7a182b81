package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/nexcrm/nexcrm/internal/access"
)

// Hit is one chunk returned by a search leg, carrying the source metadata
// ranking and visibility checks need.
type Hit struct {
	ChunkID    uuid.UUID
	SourceID   int64
	Ordinal    int
	ChunkCount int
	Text       string

	// Score is ts_rank_cd for the text leg and cosine similarity for the
	// vector leg. Scores are comparable within a leg only.
	Score float64

	SourceType      string
	SourceKey       string
	URI             string
	Title           string
	CustomerID      *int64
	TicketID        *int64
	ThreadID        string
	Sensitivity     string
	Department      string
	RecordUpdatedAt *time.Time
}

const hitCols = `c.id, c.source_id, c.ordinal, c.chunk_count, c.chunk_text,
	s.source_type, s.source_id, s.uri, s.title, s.customer_id, s.ticket_id,
	COALESCE(s.thread_id, ''), s.sensitivity,
	COALESCE(s.metadata->>'department', ''), s.record_updated_at`

func scanHits(rows pgx.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.SourceID, &h.Ordinal, &h.ChunkCount,
			&h.Text, &h.SourceType, &h.SourceKey, &h.URI, &h.Title,
			&h.CustomerID, &h.TicketID, &h.ThreadID, &h.Sensitivity,
			&h.Department, &h.RecordUpdatedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading hits: %w", err)
	}
	return hits, nil
}

// SearchText runs the full-text leg. Query terms go through websearch
// parsing, so quoted phrases and -exclusions behave the way users expect.
// The access predicate is rendered into the WHERE clause; rows it excludes
// never leave the database.
func (s *Store) SearchText(ctx context.Context, query string, pred access.Predicate, limit int) ([]Hit, error) {
	cond, args := pred.Render(3)
	sql := `SELECT ` + hitCols + `,
	       ts_rank_cd(c.search_text, q) AS score
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id,
	       websearch_to_tsquery('english', $1) q
	 WHERE c.search_text @@ q AND (` + cond + `)
	 ORDER BY score DESC, c.id
	 LIMIT $2`

	rows, err := s.pool.Query(ctx, sql, append([]any{query, limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// SearchVector runs the semantic leg over embedded chunks, ordered by
// cosine distance. Chunks whose embedding is still pending are invisible
// to this leg.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, pred access.Predicate, limit int) ([]Hit, error) {
	cond, args := pred.Render(3)
	sql := `SELECT ` + hitCols + `,
	       1 - (c.embedding <=> $1) AS score
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE c.embedding IS NOT NULL AND (` + cond + `)
	 ORDER BY c.embedding <=> $1
	 LIMIT $2`

	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx, sql, append([]any{vec, limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// ThreadSiblings returns the lead chunk of every other source in a thread,
// oldest first, for conversational context expansion.
func (s *Store) ThreadSiblings(ctx context.Context, threadID string, excludeSourceID int64, pred access.Predicate, limit int) ([]Hit, error) {
	cond, args := pred.Render(4)
	sql := `SELECT ` + hitCols + `, 0::float8 AS score
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE s.thread_id = $1 AND s.id <> $2 AND c.ordinal = 0 AND (` + cond + `)
	 ORDER BY s.record_created_at NULLS LAST, s.id
	 LIMIT $3`

	rows, err := s.pool.Query(ctx, sql, append([]any{threadID, excludeSourceID, limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("thread siblings: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// RecentSources returns the lead chunk of the most recently updated visible
// sources. The retrieval engine falls back to this when a query produces no
// fused candidates at all.
func (s *Store) RecentSources(ctx context.Context, pred access.Predicate, limit int) ([]Hit, error) {
	cond, args := pred.Render(2)
	sql := `SELECT ` + hitCols + `, 0::float8 AS score
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE c.ordinal = 0 AND (` + cond + `)
	 ORDER BY s.record_updated_at DESC NULLS LAST, s.id DESC
	 LIMIT $1`

	rows, err := s.pool.Query(ctx, sql, append([]any{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("recent sources: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}
