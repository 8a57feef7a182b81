// Package lookup resolves structured identifiers found in a query — order
// and invoice numbers, tracking numbers, SKUs — directly against the
// indexed records that carry them. Matches rank ahead of anything the
// fuzzy search legs produce.
package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexcrm/nexcrm/internal/access"
	"github.com/nexcrm/nexcrm/internal/extract"
	"github.com/nexcrm/nexcrm/internal/store"
)

// Match scoring. Scores are synthetic: they only need to order matches
// among themselves, with exact matches first, and any structured match
// ahead of fuzzy evidence.
const (
	baseScore   = 10.0
	exactBonus  = 5.0
	recentScore = 5.0
)

// perIdentifierLimit bounds matches per extracted identifier. A prefix
// like "INV-20" can match many invoices; nobody wants them all.
const perIdentifierLimit = 5

// Match is one record resolved from a structured identifier.
type Match struct {
	store.Hit
	Kind  extract.IdentifierKind
	Value string
	Exact bool
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const matchCols = `c.id, c.source_id, c.ordinal, c.chunk_count, c.chunk_text,
	s.source_type, s.source_id, s.uri, s.title, s.customer_id, s.ticket_id,
	COALESCE(s.thread_id, ''), s.sensitivity,
	COALESCE(s.metadata->>'department', ''), s.record_updated_at`

// kindSQL matches one identifier kind against the indexed sources carrying
// it. Placeholders: $1 raw value, $2 prefix pattern, $3 limit; the access
// predicate renders from $4. Order and invoice numbers match by prefix so
// a partially quoted number still resolves; tracking numbers are matched
// whole. Purchase-order references resolve against order numbers, which is
// where customers' PO values end up in this system of record.
var kindSQL = map[extract.IdentifierKind]string{
	extract.KindOrder: `SELECT ` + matchCols + `,
	       lower(s.metadata->>'order_number') = lower($1) AS exact
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE c.ordinal = 0 AND s.source_type = 'order'
	   AND s.metadata->>'order_number' ILIKE $2 AND (%s)
	 ORDER BY exact DESC, s.record_updated_at DESC NULLS LAST
	 LIMIT $3`,

	extract.KindPO: `SELECT ` + matchCols + `,
	       lower(s.metadata->>'order_number') = lower($1) AS exact
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE c.ordinal = 0 AND s.source_type = 'order'
	   AND s.metadata->>'order_number' ILIKE $2 AND (%s)
	 ORDER BY exact DESC, s.record_updated_at DESC NULLS LAST
	 LIMIT $3`,

	extract.KindInvoice: `SELECT ` + matchCols + `,
	       lower(s.metadata->>'invoice_number') = lower($1) AS exact
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE c.ordinal = 0 AND s.source_type = 'invoice'
	   AND s.metadata->>'invoice_number' ILIKE $2 AND (%s)
	 ORDER BY exact DESC, s.record_updated_at DESC NULLS LAST
	 LIMIT $3`,

	extract.KindTracking: `SELECT ` + matchCols + `,
	       upper(s.metadata->>'tracking_number') = upper($1) AS exact
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	 WHERE c.ordinal = 0 AND s.source_type = 'shipment'
	   AND s.metadata->>'tracking_number' ILIKE $2 AND (%s)
	 ORDER BY exact DESC, s.record_updated_at DESC NULLS LAST
	 LIMIT $3`,

	extract.KindSKU: `SELECT ` + matchCols + `,
	       lower(li.sku) = lower($1) AS exact
	  FROM rag_chunks c
	  JOIN rag_sources s ON s.id = c.source_id
	  JOIN order_line_items li ON li.order_id::text = s.source_id
	 WHERE c.ordinal = 0 AND s.source_type = 'order'
	   AND li.sku ILIKE $2 AND (%s)
	 ORDER BY exact DESC, s.record_updated_at DESC NULLS LAST
	 LIMIT $3`,
}

// Finder resolves extracted identifiers against the index.
type Finder struct {
	db     querier
	logger *slog.Logger
}

// NewFinder creates a Finder.
func NewFinder(db querier, logger *slog.Logger) (*Finder, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finder{db: db, logger: logger}, nil
}

// Find resolves every identifier, deduplicating records matched by more
// than one identifier and keeping the higher-scored match. Results are
// already filtered by the caller's access predicate.
func (f *Finder) Find(ctx context.Context, identifiers []extract.Identifier, pred access.Predicate) ([]Match, error) {
	byChunk := make(map[string]Match)
	var order []string

	for _, ident := range identifiers {
		matches, err := f.findOne(ctx, ident, pred)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			k := m.ChunkID.String()
			if prev, ok := byChunk[k]; ok {
				if m.Score <= prev.Score {
					continue
				}
			} else {
				order = append(order, k)
			}
			byChunk[k] = m
		}
	}

	out := make([]Match, 0, len(order))
	for _, k := range order {
		out = append(out, byChunk[k])
	}
	return out, nil
}

func (f *Finder) findOne(ctx context.Context, ident extract.Identifier, pred access.Predicate) ([]Match, error) {
	tmpl, ok := kindSQL[ident.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown identifier kind %q", ident.Kind)
	}

	cond, condArgs := pred.Render(4)
	sql := fmt.Sprintf(tmpl, cond)
	args := append([]any{ident.Value, likePrefix(ident.Value), perIdentifierLimit}, condArgs...)

	rows, err := f.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("looking up %s %q: %w", ident.Kind, ident.Value, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m := Match{Kind: ident.Kind, Value: ident.Value}
		if err := rows.Scan(&m.ChunkID, &m.SourceID, &m.Ordinal, &m.ChunkCount,
			&m.Text, &m.SourceType, &m.SourceKey, &m.URI, &m.Title,
			&m.CustomerID, &m.TicketID, &m.ThreadID, &m.Sensitivity,
			&m.Department, &m.RecordUpdatedAt, &m.Exact); err != nil {
			return nil, fmt.Errorf("scanning lookup match: %w", err)
		}
		m.Score = score(m.Exact)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading lookup matches: %w", err)
	}
	return matches, nil
}

// recentDefaultTypes maps a precision intent to the record types its
// identifier-less default serves.
var recentDefaultTypes = map[extract.Intent][]string{
	extract.IntentLogisticsShipping: {"shipment", "order"},
	extract.IntentPaymentsTerms:     {"invoice", "estimate", "order"},
}

const recentSQL = `SELECT ` + matchCols + `
  FROM rag_chunks c
  JOIN rag_sources s ON s.id = c.source_id
 WHERE c.ordinal = 0 AND s.source_type = ANY($1) AND (%s)
 ORDER BY s.record_updated_at DESC NULLS LAST
 LIMIT $2`

// RecentDefaults serves the identifier-less structured default for a
// precision intent: the most recently updated visible records of the
// types the intent is about. A logistics question with no order number
// still gets the customer's latest shipments. Intents without a default
// return nil.
func (f *Finder) RecentDefaults(ctx context.Context, intent extract.Intent, pred access.Predicate, limit int) ([]Match, error) {
	types, ok := recentDefaultTypes[intent]
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = perIdentifierLimit
	}

	cond, condArgs := pred.Render(3)
	sql := fmt.Sprintf(recentSQL, cond)
	args := append([]any{types, limit}, condArgs...)

	rows, err := f.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("loading recent %s records: %w", intent, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.SourceID, &m.Ordinal, &m.ChunkCount,
			&m.Text, &m.SourceType, &m.SourceKey, &m.URI, &m.Title,
			&m.CustomerID, &m.TicketID, &m.ThreadID, &m.Sensitivity,
			&m.Department, &m.RecordUpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning recent record: %w", err)
		}
		m.Score = recentScore
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading recent records: %w", err)
	}
	return matches, nil
}

func score(exact bool) float64 {
	if exact {
		return baseScore + exactBonus
	}
	return baseScore
}

// likePrefix builds a prefix pattern for ILIKE, escaping the pattern
// metacharacters an identifier could carry.
func likePrefix(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value) + "%"
}
