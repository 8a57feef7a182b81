// Package access turns a caller's identity into row-level visibility.
//
// A ViewerScope is computed fresh per request from the caller's role and
// ownership relations, compiled into a reusable SQL predicate applied at
// query-build time, and re-checked in process per returned row as
// defense-in-depth against predicate bugs. Queries with no scoping context
// fail closed for non-privileged callers.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Role is a user's RBAC role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
	RoleViewer  Role = "viewer"
)

// Identity is the authenticated caller as reported by the identity
// provider.
type Identity struct {
	UserID      int64
	Role        Role
	IsExternal  bool
	Departments []string
}

// ViewerScope is the computed permission set for one caller on one request.
// It is never cached across requests.
type ViewerScope struct {
	UserID int64
	Role   Role

	// Unrestricted grants visibility of every customer (admins, managers).
	Unrestricted bool

	// InternalVisible allows internal-sensitivity rows when a call also
	// explicitly requests them.
	InternalVisible bool

	// CustomerIDs is the set of customers reachable through the caller's
	// ownership relations. Empty for unrestricted scopes.
	CustomerIDs []int64

	// Departments the caller belongs to; "*" is a wildcard.
	Departments []string
}

// AllowsCustomer reports whether the scope can see the given customer.
func (s *ViewerScope) AllowsCustomer(customerID int64) bool {
	if s.Unrestricted {
		return true
	}
	return slices.Contains(s.CustomerIDs, customerID)
}

// AllowsDepartment reports whether the scope can see rows tagged with the
// given department. Untagged rows are always visible.
func (s *ViewerScope) AllowsDepartment(department string) bool {
	if department == "" {
		return true
	}
	return slices.Contains(s.Departments, "*") || slices.Contains(s.Departments, department)
}

// querier is the common interface satisfied by both *pgxpool.Pool and
// pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ownedCustomersSQL unions every ownership relation that grants customer
// visibility: ticket assignment/authorship, comment authorship, task
// assignment and opportunity ownership.
const ownedCustomersSQL = `SELECT DISTINCT customer_id FROM (
	SELECT customer_id FROM tickets
	 WHERE (assignee_id = $1 OR author_id = $1) AND customer_id IS NOT NULL
	UNION
	SELECT t.customer_id FROM ticket_comments c
	  JOIN tickets t ON t.id = c.ticket_id
	 WHERE c.author_id = $1 AND t.customer_id IS NOT NULL
	UNION
	SELECT customer_id FROM tasks
	 WHERE assignee_id = $1 AND customer_id IS NOT NULL
	UNION
	SELECT customer_id FROM opportunities
	 WHERE owner_id = $1 AND customer_id IS NOT NULL
) owned`

// Resolver computes viewer scopes from ownership relations.
type Resolver struct {
	db     querier
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(db querier, logger *slog.Logger) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{db: db, logger: logger}, nil
}

// Resolve computes the ViewerScope for an identity. Admins and managers get
// unrestricted customer visibility; everyone else gets the union of
// customers reachable through their ownership relations.
func (r *Resolver) Resolve(ctx context.Context, identity Identity) (*ViewerScope, error) {
	scope := &ViewerScope{
		UserID:          identity.UserID,
		Role:            identity.Role,
		InternalVisible: !identity.IsExternal,
		Departments:     identity.Departments,
	}

	if identity.Role == RoleAdmin || identity.Role == RoleManager {
		scope.Unrestricted = true
		return scope, nil
	}

	rows, err := r.db.Query(ctx, ownedCustomersSQL, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving owned customers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var customerID int64
		if err := rows.Scan(&customerID); err != nil {
			return nil, fmt.Errorf("scanning owned customer: %w", err)
		}
		scope.CustomerIDs = append(scope.CustomerIDs, customerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading owned customers: %w", err)
	}

	r.logger.Debug("resolved viewer scope",
		"user_id", identity.UserID, "role", identity.Role,
		"customers", len(scope.CustomerIDs))
	return scope, nil
}
