package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nexcrm/nexcrm/internal/source"
	"github.com/nexcrm/nexcrm/internal/store"
)

// sweepBatchSize bounds one changed-since page, so a huge backlog never
// pins a connection.
const sweepBatchSize = 500

// SweepResult summarizes one sync sweep.
type SweepResult struct {
	Enqueued int
	Upgraded int
}

// Sweep walks every source type's system-of-record table past its sync
// watermark and enqueues an upsert per changed record. The sweep is the
// safety net under event-driven enqueues: a lost event is recovered on the
// next sweep, and re-sweeping already indexed rows is an idempotent no-op
// because unchanged content hashes skip re-embedding.
func (p *Pipeline) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	for _, typ := range source.All {
		n, u, err := p.sweepType(ctx, string(typ))
		result.Enqueued += n
		result.Upgraded += u
		if err != nil {
			return result, fmt.Errorf("sweeping %s: %w", typ, err)
		}
	}
	return result, nil
}

func (p *Pipeline) sweepType(ctx context.Context, sourceType string) (enqueued, upgraded int, err error) {
	cur, err := p.store.GetCursor(ctx, sourceType)
	if err != nil {
		return 0, 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return enqueued, upgraded, err
		}

		changed, err := p.store.ChangedSince(ctx, cur, sweepBatchSize)
		if err != nil {
			return enqueued, upgraded, err
		}
		if len(changed) == 0 {
			return enqueued, upgraded, nil
		}

		for _, rec := range changed {
			_, wasLive, err := p.store.Enqueue(ctx, sourceType,
				strconv.FormatInt(rec.ID, 10), store.OpUpsert, 0, p.cfg.MaxAttempts)
			if err != nil {
				return enqueued, upgraded, err
			}
			if wasLive {
				upgraded++
			} else {
				enqueued++
			}
		}

		last := changed[len(changed)-1]
		cur.LastTimestamp = last.UpdatedAt
		cur.LastID = last.ID
		if err := p.store.AdvanceCursor(ctx, cur); err != nil {
			return enqueued, upgraded, err
		}
		p.logger.Debug("sweep page enqueued",
			"source_type", sourceType, "records", len(changed),
			"watermark", cur.LastTimestamp)

		if len(changed) < sweepBatchSize {
			return enqueued, upgraded, nil
		}
	}
}
