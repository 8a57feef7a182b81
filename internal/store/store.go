// Package store persists indexed sources, their chunks and the durable
// ingestion queue in PostgreSQL, and serves the text and vector search
// queries the retrieval engine fuses.
//
// All SQL lives here. Callers hold domain types; placeholders for
// access-scope filtering are rendered by the access package and spliced
// into the search statements.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound marks a missing row.
var ErrNotFound = errors.New("not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages the retrieval index backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Source is one indexed record in its canonical stored form.
type Source struct {
	ID              int64
	SourceType      string
	SourceID        string
	URI             string
	CustomerID      *int64
	TicketID        *int64
	ThreadID        string
	ParentID        *int64
	Sensitivity     string
	OwnerUserID     *int64
	Title           string
	ContentText     string
	ContentHash     string
	Metadata        map[string]string
	RecordCreatedAt *time.Time
	RecordUpdatedAt *time.Time
	IndexedAt       time.Time
}

// Chunk is one stored slice of a source's content.
type Chunk struct {
	ID            uuid.UUID
	SourceID      int64
	Ordinal       int
	ChunkCount    int
	Text          string
	Hash          string
	TokenEstimate int
	Embedding     []float32
	EmbeddedAt    *time.Time
}

const sourceCols = `id, source_type, source_id, uri, customer_id, ticket_id,
	COALESCE(thread_id, ''), parent_id, sensitivity, owner_user_id, title,
	content_text, content_hash, metadata, record_created_at, record_updated_at,
	indexed_at`

func scanSource(row pgx.Row) (*Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.SourceType, &src.SourceID, &src.URI,
		&src.CustomerID, &src.TicketID, &src.ThreadID, &src.ParentID,
		&src.Sensitivity, &src.OwnerUserID, &src.Title,
		&src.ContentText, &src.ContentHash, &src.Metadata,
		&src.RecordCreatedAt, &src.RecordUpdatedAt, &src.IndexedAt)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// SourceByKey loads a source by its (type, id) business key.
func (s *Store) SourceByKey(ctx context.Context, sourceType, sourceID string) (*Source, error) {
	return sourceByKey(ctx, s.pool, sourceType, sourceID)
}

func sourceByKey(ctx context.Context, q querier, sourceType, sourceID string) (*Source, error) {
	row := q.QueryRow(ctx,
		`SELECT `+sourceCols+` FROM rag_sources WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("source %s/%s: %w", sourceType, sourceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying source %s/%s: %w", sourceType, sourceID, err)
	}
	return src, nil
}

// SourceByID loads a source by its surrogate key.
func (s *Store) SourceByID(ctx context.Context, id int64) (*Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceCols+` FROM rag_sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying source %d: %w", id, err)
	}
	return src, nil
}

// UpsertSource inserts or refreshes the canonical row for a source,
// returning its surrogate id and the content hash the row carried before
// this call (empty for a new row). Callers skip re-chunking when the hash
// is unchanged. The queue admits one live job per source key, so no two
// writers race on the same row.
func UpsertSource(ctx context.Context, q querier, src *Source) (id int64, prevHash string, err error) {
	err = q.QueryRow(ctx,
		`SELECT content_hash FROM rag_sources WHERE source_type = $1 AND source_id = $2`,
		src.SourceType, src.SourceID).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, "", fmt.Errorf("querying source %s/%s: %w", src.SourceType, src.SourceID, err)
	}

	err = q.QueryRow(ctx,
		`INSERT INTO rag_sources (source_type, source_id, uri, customer_id, ticket_id,
		        thread_id, parent_id, sensitivity, owner_user_id, title,
		        content_text, content_hash, metadata,
		        record_created_at, record_updated_at, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		 ON CONFLICT (source_type, source_id) DO UPDATE SET
		        uri = EXCLUDED.uri,
		        customer_id = EXCLUDED.customer_id,
		        ticket_id = EXCLUDED.ticket_id,
		        thread_id = EXCLUDED.thread_id,
		        parent_id = EXCLUDED.parent_id,
		        sensitivity = EXCLUDED.sensitivity,
		        owner_user_id = EXCLUDED.owner_user_id,
		        title = EXCLUDED.title,
		        content_text = EXCLUDED.content_text,
		        content_hash = EXCLUDED.content_hash,
		        metadata = EXCLUDED.metadata,
		        record_created_at = EXCLUDED.record_created_at,
		        record_updated_at = EXCLUDED.record_updated_at,
		        indexed_at = now()
		 RETURNING id`,
		src.SourceType, src.SourceID, src.URI, src.CustomerID, src.TicketID,
		src.ThreadID, src.ParentID, src.Sensitivity, src.OwnerUserID, src.Title,
		src.ContentText, src.ContentHash, src.Metadata,
		src.RecordCreatedAt, src.RecordUpdatedAt).Scan(&id)
	if err != nil {
		return 0, "", fmt.Errorf("upserting source %s/%s: %w", src.SourceType, src.SourceID, err)
	}
	return id, prevHash, nil
}

// ReplaceChunks deletes all chunks of a source and writes the new set.
// The delete-and-insert runs in the caller's transaction so a reader never
// sees a partially rebuilt source.
func ReplaceChunks(ctx context.Context, q querier, sourceID int64, chunks []Chunk) error {
	if _, err := q.Exec(ctx, `DELETE FROM rag_chunks WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("deleting chunks of source %d: %w", sourceID, err)
	}
	for i := range chunks {
		c := &chunks[i]
		var embedding any
		if c.Embedding != nil {
			embedding = pgvector.NewVector(c.Embedding)
		}
		_, err := q.Exec(ctx,
			`INSERT INTO rag_chunks (id, source_id, ordinal, chunk_count, chunk_text,
			        chunk_hash, token_estimate, embedding, embedded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, sourceID, c.Ordinal, c.ChunkCount, c.Text,
			c.Hash, c.TokenEstimate, embedding, c.EmbeddedAt)
		if err != nil {
			return fmt.Errorf("inserting chunk %d of source %d: %w", c.Ordinal, sourceID, err)
		}
	}
	return nil
}

// DeleteSource removes a source and, via cascade, its chunks. Deleting a
// source that was never indexed is a no-op.
func DeleteSource(ctx context.Context, q querier, sourceType, sourceID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM rag_sources WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	if err != nil {
		return false, fmt.Errorf("deleting source %s/%s: %w", sourceType, sourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// TicketCustomer resolves the customer owning a ticket, or nil for a
// ticket with no customer. Unknown tickets return ErrNotFound.
func (s *Store) TicketCustomer(ctx context.Context, ticketID int64) (*int64, error) {
	var customerID *int64
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id FROM tickets WHERE id = $1`, ticketID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving ticket %d customer: %w", ticketID, err)
	}
	return customerID, nil
}

// ApplyUpsert writes the canonical source row and rebuilds its chunk set
// in one transaction, returning the source's surrogate id.
func (s *Store) ApplyUpsert(ctx context.Context, src *Source, chunks []Chunk) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, _, err = UpsertSource(ctx, tx, src)
		if err != nil {
			return err
		}
		return ReplaceChunks(ctx, tx, id, chunks)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RefreshSource rewrites the canonical source row without touching its
// chunks, for updates whose content hash is unchanged.
func (s *Store) RefreshSource(ctx context.Context, src *Source) (int64, error) {
	id, _, err := UpsertSource(ctx, s.pool, src)
	return id, err
}

// ApplyDelete removes a source and its chunks, reporting whether a row
// existed.
func (s *Store) ApplyDelete(ctx context.Context, sourceType, sourceID string) (bool, error) {
	return DeleteSource(ctx, s.pool, sourceType, sourceID)
}

// ResolveParentByMessageID resolves the stored email source a reply points
// at, or 0 when the parent is not indexed yet.
func (s *Store) ResolveParentByMessageID(ctx context.Context, messageID string) (int64, error) {
	return SourceIDByMessageID(ctx, s.pool, messageID)
}

// SourceIDByMessageID resolves the stored email source whose message_id
// metadata matches, for reply-thread parent linkage. Returns 0 when no
// such source is indexed yet.
func SourceIDByMessageID(ctx context.Context, q querier, messageID string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`SELECT id FROM rag_sources
		  WHERE source_type = 'email' AND metadata->>'message_id' = $1`,
		messageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolving parent by message id: %w", err)
	}
	return id, nil
}

// ResolveParentByThread resolves the most recent source indexed in the
// same thread before the given record time, for reply-chain parent
// linkage. The record being indexed is excluded by its own key. Returns 0
// when the thread has no earlier indexed entry.
func (s *Store) ResolveParentByThread(ctx context.Context, threadID, sourceType, sourceID string, before time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM rag_sources
		  WHERE thread_id = $1
		    AND NOT (source_type = $2 AND source_id = $3)
		    AND record_created_at < $4
		  ORDER BY record_created_at DESC
		  LIMIT 1`,
		threadID, sourceType, sourceID, before).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolving parent by thread: %w", err)
	}
	return id, nil
}

// TicketCommentTexts returns the indexed comment bodies of a ticket,
// oldest first, for seeding similarity searches.
func (s *Store) TicketCommentTexts(ctx context.Context, ticketID int64, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content_text FROM rag_sources
		  WHERE source_type = 'comment' AND ticket_id = $1
		  ORDER BY record_created_at NULLS LAST, id
		  LIMIT $2`,
		ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying comments of ticket %d: %w", ticketID, err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning comment text: %w", err)
		}
		texts = append(texts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading comment texts: %w", err)
	}
	return texts, nil
}

// ChunkWindow returns the chunks of a source whose ordinal lies within
// radius of center, in ordinal order.
func (s *Store) ChunkWindow(ctx context.Context, sourceID int64, center, radius int) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, ordinal, chunk_count, chunk_text, chunk_hash,
		        token_estimate, embedded_at
		   FROM rag_chunks
		  WHERE source_id = $1 AND ordinal BETWEEN $2 AND $3
		  ORDER BY ordinal`,
		sourceID, center-radius, center+radius)
	if err != nil {
		return nil, fmt.Errorf("querying chunk window of source %d: %w", sourceID, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Ordinal, &c.ChunkCount,
			&c.Text, &c.Hash, &c.TokenEstimate, &c.EmbeddedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return chunks, nil
}
