package access

import (
	"strconv"
	"strings"
)

// QueryContext scopes one retrieval call. TicketCustomerID carries the
// customer the ticket resolves to, filled in by the caller before
// authorization.
type QueryContext struct {
	CustomerID *int64
	TicketID   *int64

	// TicketCustomerID is the customer owning TicketID, or nil when the
	// ticket has no customer or TicketID is unset.
	TicketCustomerID *int64

	// IncludeInternal requests internal-sensitivity rows. It only takes
	// effect for non-external callers.
	IncludeInternal bool

	// AllowGlobal permits a query without customer/ticket context for
	// privileged callers.
	AllowGlobal bool
}

// Authorize validates the query context against the scope, returning a
// typed AccessError on rejection.
//
// Check order (pins the deny-reason precedence): explicit customer first,
// then ticket, then the global fallback. When both a customer and a
// mismatching ticket are present, the customer-related reason wins.
func Authorize(scope *ViewerScope, qctx QueryContext) error {
	if qctx.CustomerID != nil {
		if !scope.AllowsCustomer(*qctx.CustomerID) {
			return Denied(DenyCustomerOutOfScope, "customer "+strconv.FormatInt(*qctx.CustomerID, 10))
		}
		if qctx.TicketID != nil && qctx.TicketCustomerID != nil && *qctx.TicketCustomerID != *qctx.CustomerID {
			return Denied(DenyCustomerMismatch, "ticket belongs to a different customer")
		}
		return nil
	}

	if qctx.TicketID != nil {
		if qctx.TicketCustomerID == nil {
			// Ticket without a customer is only visible to privileged
			// callers; everyone else derives visibility from customers.
			if scope.Unrestricted {
				return nil
			}
			return Denied(DenyTicketOutOfScope, "ticket "+strconv.FormatInt(*qctx.TicketID, 10))
		}
		if !scope.AllowsCustomer(*qctx.TicketCustomerID) {
			return Denied(DenyTicketOutOfScope, "ticket "+strconv.FormatInt(*qctx.TicketID, 10))
		}
		return nil
	}

	// No customer/ticket context at all: fail closed for non-privileged
	// callers unless explicitly allowed to go global.
	if scope.Unrestricted {
		return nil
	}
	if !qctx.AllowGlobal {
		return Denied(DenyMissingContext, "query has no customer or ticket context")
	}
	if len(scope.CustomerIDs) == 0 {
		return Denied(DenyGlobalNotAllowed, "role has no customer visibility")
	}
	return nil
}

// Predicate is an immutable filter expression applied at the storage-query
// level. Clauses carry ? placeholders that Render rebinds to positional
// PostgreSQL arguments.
type Predicate struct {
	clauses []clause
}

type clause struct {
	sql  string
	args []any
}

// And returns a new Predicate with an extra clause appended. The receiver
// is not modified.
func (p Predicate) And(sql string, args ...any) Predicate {
	clauses := make([]clause, len(p.clauses), len(p.clauses)+1)
	copy(clauses, p.clauses)
	clauses = append(clauses, clause{sql: sql, args: args})
	return Predicate{clauses: clauses}
}

// Render produces the SQL condition and its arguments, numbering
// placeholders from start. An empty predicate renders as TRUE.
func (p Predicate) Render(start int) (string, []any) {
	if len(p.clauses) == 0 {
		return "TRUE", nil
	}

	var sb strings.Builder
	var args []any
	n := start
	for i, c := range p.clauses {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteByte('(')
		for _, ch := range c.sql {
			if ch == '?' {
				sb.WriteByte('$')
				sb.WriteString(strconv.Itoa(n))
				n++
				continue
			}
			sb.WriteRune(ch)
		}
		sb.WriteByte(')')
		args = append(args, c.args...)
	}
	return sb.String(), args
}

// BuildPredicate compiles the scope and query context into a filter over
// rag_sources rows (aliased "s"). It enforces, in order: sensitivity,
// customer scoping, department tagging, and any explicit customer/ticket
// context restriction. Callers must Authorize first; BuildPredicate
// assumes an authorized context.
func BuildPredicate(scope *ViewerScope, qctx QueryContext) Predicate {
	var p Predicate

	// Sensitivity: internal rows require a non-external caller who asked
	// for them on this call.
	if !(scope.InternalVisible && qctx.IncludeInternal) {
		p = p.And("s.sensitivity = 'public'")
	}

	// Customer scoping for non-privileged callers.
	if !scope.Unrestricted {
		customers := scope.CustomerIDs
		if len(customers) == 0 {
			// Authorize fails closed before this point; keep the predicate
			// impossible anyway.
			p = p.And("FALSE")
		} else {
			p = p.And("s.customer_id = ANY(?)", customers)
		}
	}

	// Department tagging: rows tagged with a department are hidden unless
	// the caller's department list contains the tag or a wildcard.
	if !hasWildcardDepartment(scope.Departments) {
		if len(scope.Departments) == 0 {
			p = p.And("s.metadata->>'department' IS NULL")
		} else {
			p = p.And("(s.metadata->>'department' IS NULL OR s.metadata->>'department' = ANY(?))", scope.Departments)
		}
	}

	// Explicit context narrows the search for every caller, privileged
	// included.
	if qctx.CustomerID != nil {
		p = p.And("s.customer_id = ?", *qctx.CustomerID)
	}
	if qctx.TicketID != nil {
		p = p.And("s.ticket_id = ?", *qctx.TicketID)
	}

	return p
}

func hasWildcardDepartment(departments []string) bool {
	for _, d := range departments {
		if d == "*" {
			return true
		}
	}
	return false
}

// RowMeta is the visibility-relevant projection of one stored row.
type RowMeta struct {
	Sensitivity string
	CustomerID  *int64
	Department  string
}

// CanViewRow re-validates a row in process before it is returned. This is
// defense-in-depth: the predicate should already have excluded invisible
// rows.
func CanViewRow(scope *ViewerScope, qctx QueryContext, row RowMeta) bool {
	if row.Sensitivity == "internal" && !(scope.InternalVisible && qctx.IncludeInternal) {
		return false
	}
	if !scope.Unrestricted {
		if row.CustomerID == nil {
			return false
		}
		if !scope.AllowsCustomer(*row.CustomerID) {
			return false
		}
	}
	if !scope.AllowsDepartment(row.Department) {
		return false
	}
	return true
}
