package lookup

import (
	"strings"
	"testing"

	"github.com/nexcrm/nexcrm/internal/extract"
)

func TestKindSQLCoversAllIdentifierKinds(t *testing.T) {
	kinds := []extract.IdentifierKind{
		extract.KindOrder, extract.KindInvoice, extract.KindPO,
		extract.KindTracking, extract.KindSKU,
	}
	for _, kind := range kinds {
		if _, ok := kindSQL[kind]; !ok {
			t.Errorf("no lookup query for identifier kind %q", kind)
		}
	}
	if len(kindSQL) != len(kinds) {
		t.Errorf("kindSQL has %d entries, want %d", len(kindSQL), len(kinds))
	}
}

func TestKindSQLPlaceholderShape(t *testing.T) {
	// Every query must take value, pattern and limit, and leave a slot for
	// the rendered access predicate.
	for kind, sql := range kindSQL {
		for _, ph := range []string{"$1", "$2", "$3", "%s"} {
			if !strings.Contains(sql, ph) {
				t.Errorf("%s query is missing %s", kind, ph)
			}
		}
	}
}

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ORD-1042", "ORD-1042%"},
		{"100%", `100\%%`},
		{"a_b", `a\_b%`},
		{`a\b`, `a\\b%`},
	}
	for _, tt := range tests {
		if got := likePrefix(tt.in); got != tt.want {
			t.Errorf("likePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScore(t *testing.T) {
	if score(true) <= score(false) {
		t.Error("exact match must outscore prefix match")
	}
	if score(false) <= 0 {
		t.Error("prefix match score must be positive")
	}
	if recentScore >= score(false) {
		t.Error("recent default must rank below any identifier match")
	}
	if recentScore <= 0 {
		t.Error("recent default score must be positive")
	}
}

func TestRecentDefaultTypes(t *testing.T) {
	tests := []struct {
		intent extract.Intent
		want   []string
	}{
		{extract.IntentLogisticsShipping, []string{"shipment", "order"}},
		{extract.IntentPaymentsTerms, []string{"invoice", "estimate", "order"}},
	}
	for _, tt := range tests {
		got := recentDefaultTypes[tt.intent]
		if len(got) != len(tt.want) {
			t.Errorf("%s default types = %v, want %v", tt.intent, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s default types = %v, want %v", tt.intent, got, tt.want)
				break
			}
		}
	}
	// Fuzzy-evidence intents get no structured default.
	for _, intent := range []extract.Intent{
		extract.IntentAccountHistory, extract.IntentPolicySOP, extract.IntentTroubleshooting,
	} {
		if _, ok := recentDefaultTypes[intent]; ok {
			t.Errorf("%s should have no recent default", intent)
		}
	}
	for _, ph := range []string{"$1", "$2", "%s"} {
		if !strings.Contains(recentSQL, ph) {
			t.Errorf("recent-default query is missing %s", ph)
		}
	}
}
