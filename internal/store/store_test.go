package store

import (
	"context"
	"testing"

	"github.com/nexcrm/nexcrm/internal/source"
)

func TestOperationPrecedence(t *testing.T) {
	if !(opPrecedence[OpDelete] > opPrecedence[OpReindex]) {
		t.Error("delete should outrank reindex")
	}
	if !(opPrecedence[OpReindex] > opPrecedence[OpUpsert]) {
		t.Error("reindex should outrank upsert")
	}
}

func TestUpgradeJob(t *testing.T) {
	tests := []struct {
		name         string
		liveOp       string
		livePriority int
		op           string
		priority     int
		wantOp       string
		wantPriority int
	}{
		{"reindex dominates pending upsert", OpUpsert, 0, OpReindex, 0, OpReindex, 0},
		{"delete dominates reindex", OpReindex, 0, OpDelete, 0, OpDelete, 0},
		{"weaker op never downgrades", OpDelete, 0, OpUpsert, 0, OpDelete, 0},
		{"higher priority wins", OpUpsert, 1, OpUpsert, 5, OpUpsert, 5},
		{"lower priority never downgrades", OpUpsert, 5, OpUpsert, 1, OpUpsert, 5},
		{"op and priority merge independently", OpReindex, 5, OpUpsert, 9, OpReindex, 9},
		{"identical enqueue is a no-op", OpUpsert, 3, OpUpsert, 3, OpUpsert, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, pr := upgradeJob(tt.liveOp, tt.livePriority, tt.op, tt.priority)
			if op != tt.wantOp || pr != tt.wantPriority {
				t.Errorf("upgradeJob(%s,%d ← %s,%d) = (%s,%d), want (%s,%d)",
					tt.liveOp, tt.livePriority, tt.op, tt.priority, op, pr, tt.wantOp, tt.wantPriority)
			}
		})
	}
}

func TestEnqueueRejectsUnknownOperation(t *testing.T) {
	s := &Store{}
	_, _, err := s.Enqueue(context.Background(), "ticket", "1", "purge", 0, 5)
	if err == nil {
		t.Fatal("Enqueue with unknown operation: error = nil, want error")
	}
}

func TestChangedSinceCoversAllSourceTypes(t *testing.T) {
	for _, typ := range source.All {
		if _, ok := changedSinceSQL[string(typ)]; !ok {
			t.Errorf("no changed-since query for source type %q", typ)
		}
	}
	if len(changedSinceSQL) != len(source.All) {
		t.Errorf("changed-since map has %d entries, want %d", len(changedSinceSQL), len(source.All))
	}
}
