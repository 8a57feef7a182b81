package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses. A retryable failure returns the job to pending with a
// next_retry_at; failed is terminal.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobSkipped    = "skipped"
)

// Job operations, in ascending precedence. When a duplicate enqueue meets a
// live job, the stronger operation wins.
const (
	OpUpsert  = "upsert"
	OpReindex = "reindex"
	OpDelete  = "delete"
)

var opPrecedence = map[string]int{
	OpUpsert:  0,
	OpReindex: 1,
	OpDelete:  2,
}

// Job is one durable ingestion work item.
type Job struct {
	ID            uuid.UUID
	SourceType    string
	SourceID      string
	Operation     string
	Status        string
	Priority      int
	Attempts      int
	MaxAttempts   int
	NextRetryAt   *time.Time
	LastErrorCode *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const jobCols = `id, source_type, source_id, operation, status, priority,
	attempts, max_attempts, next_retry_at, last_error_code, last_error,
	created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.SourceType, &j.SourceID, &j.Operation, &j.Status,
		&j.Priority, &j.Attempts, &j.MaxAttempts, &j.NextRetryAt,
		&j.LastErrorCode, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue adds a job for a source, or upgrades the live job already queued
// for the same (source_type, source_id). Upgrading keeps the stronger
// operation and the higher priority, and clears any retry delay so the
// merged work runs promptly. Returns the job id and whether an existing
// live job absorbed this enqueue.
//
// A per-key advisory lock serializes concurrent enqueues so two callers
// cannot both miss the live row and collide on the partial unique index.
func (s *Store) Enqueue(ctx context.Context, sourceType, sourceID, operation string, priority int, maxAttempts int) (uuid.UUID, bool, error) {
	if _, ok := opPrecedence[operation]; !ok {
		return uuid.Nil, false, fmt.Errorf("unknown operation %q", operation)
	}

	var (
		jobID    uuid.UUID
		upgraded bool
	)
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		key := sourceType + ":" + sourceID
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("acquiring enqueue lock: %w", err)
		}

		var (
			liveID       uuid.UUID
			liveOp       string
			livePriority int
		)
		err := tx.QueryRow(ctx,
			`SELECT id, operation, priority FROM ingestion_jobs
			  WHERE source_type = $1 AND source_id = $2
			    AND status IN ('pending', 'processing')
			  FOR UPDATE`,
			sourceType, sourceID).Scan(&liveID, &liveOp, &livePriority)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			jobID = uuid.New()
			_, err := tx.Exec(ctx,
				`INSERT INTO ingestion_jobs (id, source_type, source_id, operation, priority, max_attempts)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				jobID, sourceType, sourceID, operation, priority, maxAttempts)
			if err != nil {
				return fmt.Errorf("inserting job: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("querying live job: %w", err)
		}

		op, pr := upgradeJob(liveOp, livePriority, operation, priority)
		_, err = tx.Exec(ctx,
			`UPDATE ingestion_jobs
			    SET operation = $2, priority = $3, next_retry_at = NULL, updated_at = now()
			  WHERE id = $1`,
			liveID, op, pr)
		if err != nil {
			return fmt.Errorf("upgrading live job: %w", err)
		}
		jobID = liveID
		upgraded = true
		return nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return jobID, upgraded, nil
}

// upgradeJob merges a duplicate enqueue into the live job for the same
// source key: the stronger operation and the higher priority win. The
// live job always absorbs the enqueue, never the other way around.
func upgradeJob(liveOp string, livePriority int, op string, priority int) (string, int) {
	if opPrecedence[op] > opPrecedence[liveOp] {
		liveOp = op
	}
	if priority > livePriority {
		livePriority = priority
	}
	return liveOp, livePriority
}

// Claim atomically takes the highest-priority due job, marks it processing
// and increments its attempt counter. Returns ErrNotFound when no job is
// due. SKIP LOCKED lets concurrent workers claim distinct jobs without
// blocking each other.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`WITH next AS (
		    SELECT id FROM ingestion_jobs
		     WHERE status = 'pending'
		       AND (next_retry_at IS NULL OR next_retry_at <= now())
		     ORDER BY priority DESC, created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE ingestion_jobs j
		    SET status = 'processing', attempts = j.attempts + 1, updated_at = now()
		   FROM next
		  WHERE j.id = next.id
		 RETURNING j.id, j.source_type, j.source_id, j.operation, j.status,
		           j.priority, j.attempts, j.max_attempts, j.next_retry_at,
		           j.last_error_code, j.last_error, j.created_at, j.updated_at`)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// Complete marks a claimed job done, recording what it produced.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID, resultSourceID int64, resultChunks int) error {
	var result *int64
	if resultSourceID != 0 {
		result = &resultSourceID
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		    SET status = 'completed', result_source_id = $2, result_chunks = $3,
		        last_error_code = NULL, last_error = NULL, updated_at = now()
		  WHERE id = $1`,
		jobID, result, resultChunks)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	return nil
}

// Skip marks a claimed job skipped, for records that vanished before the
// job ran.
func (s *Store) Skip(ctx context.Context, jobID uuid.UUID, note string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		    SET status = 'skipped', last_error_code = 'source_not_found',
		        last_error = $2, updated_at = now()
		  WHERE id = $1`,
		jobID, note)
	if err != nil {
		return fmt.Errorf("skipping job %s: %w", jobID, err)
	}
	return nil
}

// Fail records a job failure. A non-nil retryAt returns the job to pending
// for a later attempt; nil marks it terminally failed.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, code, message string, retryAt *time.Time) error {
	status := JobFailed
	if retryAt != nil {
		status = JobPending
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		    SET status = $2, next_retry_at = $3, last_error_code = $4,
		        last_error = $5, updated_at = now()
		  WHERE id = $1`,
		jobID, status, retryAt, code, message)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	return nil
}

// JobByID loads one job, for queue introspection.
func (s *Store) JobByID(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM ingestion_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying job %s: %w", jobID, err)
	}
	return job, nil
}

// QueueCounts returns the number of jobs per status.
func (s *Store) QueueCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM ingestion_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading job counts: %w", err)
	}
	return counts, nil
}
