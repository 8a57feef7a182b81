package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Cursor is the per-type (timestamp, id) watermark the sync sweep resumes
// from. The zero value starts from the epoch.
type Cursor struct {
	SourceType    string
	LastTimestamp time.Time
	LastID        int64
}

// changedSinceSQL enumerates records of one system-of-record table in
// keyset order past a watermark. Every table indexed here carries an
// (updated_at, id) index.
var changedSinceSQL = map[string]string{
	"ticket":   `SELECT id, updated_at FROM tickets WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"comment":  `SELECT id, updated_at FROM ticket_comments WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"email":    `SELECT id, updated_at FROM emails WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"order":    `SELECT id, updated_at FROM orders WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"invoice":  `SELECT id, updated_at FROM invoices WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"estimate": `SELECT id, updated_at FROM estimates WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"shipment": `SELECT id, updated_at FROM shipments WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
	"customer": `SELECT id, updated_at FROM customers WHERE (updated_at, id) > ($1, $2) ORDER BY updated_at, id LIMIT $3`,
}

// ChangedRecord is one system-of-record row past the sync watermark.
type ChangedRecord struct {
	ID        int64
	UpdatedAt time.Time
}

// GetCursor loads the sync watermark for a source type. A type that has
// never been swept starts from the epoch.
func (s *Store) GetCursor(ctx context.Context, sourceType string) (Cursor, error) {
	cur := Cursor{SourceType: sourceType}
	err := s.pool.QueryRow(ctx,
		`SELECT last_timestamp, last_id FROM sync_cursors WHERE source_type = $1`,
		sourceType).Scan(&cur.LastTimestamp, &cur.LastID)
	if errors.Is(err, pgx.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("querying sync cursor %s: %w", sourceType, err)
	}
	return cur, nil
}

// AdvanceCursor persists a new watermark. The guard keeps a concurrent
// slower sweep from moving the watermark backwards; re-sweeping already
// ingested rows is harmless but pointless.
func (s *Store) AdvanceCursor(ctx context.Context, cur Cursor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_cursors (source_type, last_timestamp, last_id, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (source_type) DO UPDATE SET
		        last_timestamp = EXCLUDED.last_timestamp,
		        last_id = EXCLUDED.last_id,
		        updated_at = now()
		 WHERE (sync_cursors.last_timestamp, sync_cursors.last_id)
		     < (EXCLUDED.last_timestamp, EXCLUDED.last_id)`,
		cur.SourceType, cur.LastTimestamp, cur.LastID)
	if err != nil {
		return fmt.Errorf("advancing sync cursor %s: %w", cur.SourceType, err)
	}
	return nil
}

// ChangedSince enumerates up to limit records of a source type modified
// past the cursor, in (updated_at, id) keyset order.
func (s *Store) ChangedSince(ctx context.Context, cur Cursor, limit int) ([]ChangedRecord, error) {
	sql, ok := changedSinceSQL[cur.SourceType]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", cur.SourceType)
	}

	rows, err := s.pool.Query(ctx, sql, cur.LastTimestamp, cur.LastID, limit)
	if err != nil {
		return nil, fmt.Errorf("enumerating changed %s records: %w", cur.SourceType, err)
	}
	defer rows.Close()

	var changed []ChangedRecord
	for rows.Next() {
		var rec ChangedRecord
		if err := rows.Scan(&rec.ID, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning changed record: %w", err)
		}
		changed = append(changed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading changed records: %w", err)
	}
	return changed, nil
}
