package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/nexcrm/nexcrm/internal/extract"
	"github.com/nexcrm/nexcrm/internal/store"
)

// recencyHalfScaleDays controls how fast the recency boost decays; a
// record 60 days old contributes e^-1 of the full boost.
const recencyHalfScaleDays = 60.0

// typeBoosts maps an intent to per-source-type multipliers. Types not
// listed score 1.0.
var typeBoosts = map[extract.Intent]map[string]float64{
	extract.IntentLogisticsShipping: {
		"shipment": 1.25,
		"order":    1.15,
	},
	extract.IntentPaymentsTerms: {
		"invoice":  1.25,
		"estimate": 1.15,
		"order":    1.1,
	},
	extract.IntentAccountHistory: {
		"ticket":  1.1,
		"comment": 1.1,
		"email":   1.1,
	},
	extract.IntentTroubleshooting: {
		"ticket":  1.2,
		"comment": 1.2,
	},
}

// candidate is one chunk moving through fusion and ranking.
type candidate struct {
	hit   store.Hit
	score float64
}

// fuse combines the ranked legs with reciprocal rank fusion: each leg
// contributes 1/(k + rank) per chunk, so a chunk surfacing in both legs
// outranks a chunk leading either leg alone. Raw leg scores are not
// comparable across legs and are deliberately ignored.
func fuse(legs [][]store.Hit, k float64) []candidate {
	if k <= 0 {
		k = 60
	}

	byChunk := make(map[string]*candidate)
	var order []string
	for _, leg := range legs {
		for rank, hit := range leg {
			key := hit.ChunkID.String()
			c, ok := byChunk[key]
			if !ok {
				c = &candidate{hit: hit}
				byChunk[key] = c
				order = append(order, key)
			}
			c.score += 1 / (k + float64(rank+1))
		}
	}

	out := make([]candidate, 0, len(order))
	for _, key := range order {
		out = append(out, *byChunk[key])
	}
	sortCandidates(out)
	return out
}

// collapse keeps only the best-scored chunk per source, so one long
// document cannot crowd the result list with its own chunks.
func collapse(cands []candidate) []candidate {
	best := make(map[int64]candidate)
	var order []int64
	for _, c := range cands {
		prev, ok := best[c.hit.SourceID]
		if !ok {
			order = append(order, c.hit.SourceID)
			best[c.hit.SourceID] = c
			continue
		}
		if c.score > prev.score {
			best[c.hit.SourceID] = c
		}
	}

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	sortCandidates(out)
	return out
}

// boost scales each candidate by recency and by the intent's affinity for
// its source type. Records with no timestamp get no recency contribution.
func boost(cands []candidate, intent extract.Intent, now time.Time) []candidate {
	boosts := typeBoosts[intent]
	out := make([]candidate, len(cands))
	for i, c := range cands {
		multiplier := 1 + recencyFactor(c.hit.RecordUpdatedAt, now)
		if b, ok := boosts[c.hit.SourceType]; ok {
			multiplier *= b
		}
		c.score *= multiplier
		out[i] = c
	}
	sortCandidates(out)
	return out
}

// recencyFactor decays exponentially with record age in days.
func recencyFactor(updatedAt *time.Time, now time.Time) float64 {
	if updatedAt == nil {
		return 0
	}
	ageDays := now.Sub(*updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / recencyHalfScaleDays)
}

func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].hit.ChunkID.String() < cands[j].hit.ChunkID.String()
	})
}

// Confidence labels for a response.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// confidence grades a ranked result list. Structured output on top (an
// identifier match or a precision intent's recent default) is always
// high; otherwise the top fused score decides against the floor the
// engine is configured with.
func confidence(results []Result, minFused float64) string {
	if len(results) == 0 {
		return ConfidenceLow
	}
	if results[0].Exact || results[0].Structured {
		return ConfidenceHigh
	}
	top := results[0].Score
	switch {
	case top >= minFused*2:
		return ConfidenceHigh
	case top >= minFused:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
