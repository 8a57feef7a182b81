package access

import (
	"errors"
	"strings"
	"testing"
)

func ptr(v int64) *int64 { return &v }

func agentScope(customers ...int64) *ViewerScope {
	return &ViewerScope{
		UserID:          10,
		Role:            RoleAgent,
		InternalVisible: true,
		CustomerIDs:     customers,
	}
}

func adminScope() *ViewerScope {
	return &ViewerScope{
		UserID:          1,
		Role:            RoleAdmin,
		Unrestricted:    true,
		InternalVisible: true,
		Departments:     []string{"*"},
	}
}

func denyReason(t *testing.T, err error) DenyReason {
	t.Helper()
	var accessErr *AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("error %v is not *AccessError", err)
	}
	return accessErr.Reason
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name       string
		scope      *ViewerScope
		qctx       QueryContext
		wantReason DenyReason // "" means allowed
	}{
		{
			name:  "admin no context allowed",
			scope: adminScope(),
			qctx:  QueryContext{},
		},
		{
			name:       "agent no context denied missing_context",
			scope:      agentScope(7),
			qctx:       QueryContext{},
			wantReason: DenyMissingContext,
		},
		{
			name:       "agent empty customer set with allow global denied",
			scope:      agentScope(),
			qctx:       QueryContext{AllowGlobal: true},
			wantReason: DenyGlobalNotAllowed,
		},
		{
			name:  "agent allow global with customers allowed",
			scope: agentScope(7),
			qctx:  QueryContext{AllowGlobal: true},
		},
		{
			name:  "agent in-scope customer allowed",
			scope: agentScope(7, 9),
			qctx:  QueryContext{CustomerID: ptr(7)},
		},
		{
			name:       "agent out-of-scope customer denied",
			scope:      agentScope(9),
			qctx:       QueryContext{CustomerID: ptr(7)},
			wantReason: DenyCustomerOutOfScope,
		},
		{
			name:  "agent in-scope ticket allowed",
			scope: agentScope(7),
			qctx:  QueryContext{TicketID: ptr(42), TicketCustomerID: ptr(7)},
		},
		{
			name:       "agent ticket resolving outside scope denied",
			scope:      agentScope(9),
			qctx:       QueryContext{TicketID: ptr(42), TicketCustomerID: ptr(7)},
			wantReason: DenyTicketOutOfScope,
		},
		{
			name:       "agent ticket without customer denied",
			scope:      agentScope(9),
			qctx:       QueryContext{TicketID: ptr(42)},
			wantReason: DenyTicketOutOfScope,
		},
		{
			name:  "admin ticket without customer allowed",
			scope: adminScope(),
			qctx:  QueryContext{TicketID: ptr(42)},
		},
		{
			name:       "customer and mismatching ticket: customer reason wins",
			scope:      agentScope(7),
			qctx:       QueryContext{CustomerID: ptr(7), TicketID: ptr(42), TicketCustomerID: ptr(9)},
			wantReason: DenyCustomerMismatch,
		},
		{
			name:       "out-of-scope customer with mismatching ticket: customer checked first",
			scope:      agentScope(3),
			qctx:       QueryContext{CustomerID: ptr(7), TicketID: ptr(42), TicketCustomerID: ptr(9)},
			wantReason: DenyCustomerOutOfScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.scope, tt.qctx)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("Authorize() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Authorize() = nil, want denial")
			}
			if got := denyReason(t, err); got != tt.wantReason {
				t.Errorf("deny reason = %s, want %s", got, tt.wantReason)
			}
		})
	}
}

func TestAuthorize_FailsClosedNotEmpty(t *testing.T) {
	// Access closure: empty allowed-customer set, no context, never an
	// empty success.
	err := Authorize(agentScope(), QueryContext{})
	if err == nil {
		t.Fatal("Authorize() with empty scope must deny, not succeed")
	}
}

func TestBuildPredicate_Render(t *testing.T) {
	t.Run("admin with internal", func(t *testing.T) {
		p := BuildPredicate(adminScope(), QueryContext{IncludeInternal: true})
		sql, args := p.Render(1)
		if sql != "TRUE" {
			t.Errorf("sql = %q, want TRUE", sql)
		}
		if len(args) != 0 {
			t.Errorf("args = %v, want none", args)
		}
	})

	t.Run("admin without internal request", func(t *testing.T) {
		p := BuildPredicate(adminScope(), QueryContext{})
		sql, _ := p.Render(1)
		if !strings.Contains(sql, "s.sensitivity = 'public'") {
			t.Errorf("sql %q missing sensitivity clause", sql)
		}
	})

	t.Run("agent customer scoping", func(t *testing.T) {
		scope := agentScope(7, 9)
		scope.Departments = []string{"*"}
		p := BuildPredicate(scope, QueryContext{IncludeInternal: true})
		sql, args := p.Render(1)
		if !strings.Contains(sql, "s.customer_id = ANY($1)") {
			t.Errorf("sql %q missing customer clause", sql)
		}
		if len(args) != 1 {
			t.Fatalf("args = %v, want 1", args)
		}
	})

	t.Run("department clause", func(t *testing.T) {
		scope := agentScope(7)
		scope.Departments = []string{"billing"}
		p := BuildPredicate(scope, QueryContext{IncludeInternal: true})
		sql, args := p.Render(1)
		if !strings.Contains(sql, "s.metadata->>'department'") {
			t.Errorf("sql %q missing department clause", sql)
		}
		if len(args) != 2 {
			t.Errorf("args = %v, want 2 (customers + departments)", args)
		}
	})

	t.Run("context filters numbered after offset", func(t *testing.T) {
		p := BuildPredicate(adminScope(), QueryContext{
			IncludeInternal: true,
			CustomerID:      ptr(7),
			TicketID:        ptr(42),
		})
		sql, args := p.Render(3)
		if !strings.Contains(sql, "s.customer_id = $3") {
			t.Errorf("sql %q missing $3 customer filter", sql)
		}
		if !strings.Contains(sql, "s.ticket_id = $4") {
			t.Errorf("sql %q missing $4 ticket filter", sql)
		}
		if len(args) != 2 {
			t.Errorf("args = %v, want 2", args)
		}
	})
}

func TestPredicate_Immutable(t *testing.T) {
	base := Predicate{}.And("a = ?", 1)
	left := base.And("b = ?", 2)
	right := base.And("c = ?", 3)

	leftSQL, _ := left.Render(1)
	rightSQL, _ := right.Render(1)
	if strings.Contains(leftSQL, "c = ") {
		t.Errorf("left predicate leaked sibling clause: %q", leftSQL)
	}
	if strings.Contains(rightSQL, "b = ") {
		t.Errorf("right predicate leaked sibling clause: %q", rightSQL)
	}
}

func TestCanViewRow(t *testing.T) {
	scope := agentScope(7)
	scope.Departments = []string{"support"}

	tests := []struct {
		name string
		qctx QueryContext
		row  RowMeta
		want bool
	}{
		{
			name: "public in-scope row",
			qctx: QueryContext{},
			row:  RowMeta{Sensitivity: "public", CustomerID: ptr(7)},
			want: true,
		},
		{
			name: "internal row without request",
			qctx: QueryContext{},
			row:  RowMeta{Sensitivity: "internal", CustomerID: ptr(7)},
			want: false,
		},
		{
			name: "internal row with request",
			qctx: QueryContext{IncludeInternal: true},
			row:  RowMeta{Sensitivity: "internal", CustomerID: ptr(7)},
			want: true,
		},
		{
			name: "out-of-scope customer",
			qctx: QueryContext{},
			row:  RowMeta{Sensitivity: "public", CustomerID: ptr(9)},
			want: false,
		},
		{
			name: "row without customer hidden from scoped caller",
			qctx: QueryContext{},
			row:  RowMeta{Sensitivity: "public"},
			want: false,
		},
		{
			name: "own department tag",
			qctx: QueryContext{},
			row:  RowMeta{Sensitivity: "public", CustomerID: ptr(7), Department: "support"},
			want: true,
		},
		{
			name: "foreign department tag",
			qctx: QueryContext{},
			row:  RowMeta{Sensitivity: "public", CustomerID: ptr(7), Department: "finance"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanViewRow(scope, tt.qctx, tt.row); got != tt.want {
				t.Errorf("CanViewRow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanViewRow_AdminSeesUntaggedEverything(t *testing.T) {
	scope := adminScope()
	row := RowMeta{Sensitivity: "internal", CustomerID: nil}
	if !CanViewRow(scope, QueryContext{IncludeInternal: true}, row) {
		t.Error("admin with wildcard departments should see internal row")
	}
}
