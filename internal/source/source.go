// Package source defines the closed set of record kinds the engine indexes
// and the extractor for each kind.
//
// Every originating record is reduced to a uniform Input shape by a
// type-specific fetch function; dispatch is a map over the Type enum, not
// inheritance. Fetchers read the current state of the system-of-record
// tables; they never mutate it.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Type identifies one kind of originating record.
type Type string

const (
	TypeTicket   Type = "ticket"
	TypeComment  Type = "comment"
	TypeEmail    Type = "email"
	TypeOrder    Type = "order"
	TypeInvoice  Type = "invoice"
	TypeEstimate Type = "estimate"
	TypeShipment Type = "shipment"
	TypeCustomer Type = "customer"
)

// All lists every indexable type in sync-sweep order.
var All = []Type{
	TypeTicket, TypeComment, TypeEmail, TypeOrder,
	TypeInvoice, TypeEstimate, TypeShipment, TypeCustomer,
}

// Valid reports whether t is a known source type.
func (t Type) Valid() bool {
	switch t {
	case TypeTicket, TypeComment, TypeEmail, TypeOrder,
		TypeInvoice, TypeEstimate, TypeShipment, TypeCustomer:
		return true
	}
	return false
}

// Sensitivity values of an indexed source.
const (
	SensitivityPublic   = "public"
	SensitivityInternal = "internal"
)

// ErrNotFound marks an originating record that vanished before its job
// ran. Ingestion marks such jobs skipped, not failed.
var ErrNotFound = errors.New("source record not found")

// Input is the canonical extraction of one originating record, ready for
// cleaning, chunking and persistence.
type Input struct {
	Type        Type
	SourceID    string
	URI         string
	CustomerID  *int64
	TicketID    *int64
	ThreadID    string
	Sensitivity string
	OwnerUserID *int64
	Title       string

	// Content is the raw record text; the pipeline cleans it before
	// hashing and chunking.
	Content string

	Metadata map[string]string

	RecordCreatedAt time.Time
	RecordUpdatedAt time.Time
}

// querier is the common interface satisfied by both *pgxpool.Pool and
// pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FetchFunc loads the current state of one record by its string id,
// returning ErrNotFound when the record no longer exists.
type FetchFunc func(ctx context.Context, db querier, id string) (*Input, error)

// fetchers is the closed dispatch table. Adding a source type means adding
// a row here and nowhere else.
var fetchers = map[Type]FetchFunc{
	TypeTicket:   fetchTicket,
	TypeComment:  fetchComment,
	TypeEmail:    fetchEmail,
	TypeOrder:    fetchOrder,
	TypeInvoice:  fetchInvoice,
	TypeEstimate: fetchEstimate,
	TypeShipment: fetchShipment,
	TypeCustomer: fetchCustomer,
}

// Fetcher resolves records for the ingestion pipeline.
type Fetcher struct {
	db querier
}

// NewFetcher creates a Fetcher over the system-of-record tables.
func NewFetcher(db querier) (*Fetcher, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Fetcher{db: db}, nil
}

// Fetch dispatches to the type-specific extractor.
func (f *Fetcher) Fetch(ctx context.Context, typ Type, id string) (*Input, error) {
	fn, ok := fetchers[typ]
	if !ok {
		return nil, errors.New("unknown source type: " + string(typ))
	}
	return fn(ctx, f.db, id)
}
