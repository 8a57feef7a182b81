package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nexcrm/nexcrm/internal/access"
	"github.com/nexcrm/nexcrm/internal/store"
)

// similarEmbedLimit caps how much seed text feeds a similarity search.
// Long threads drift; the opening content carries the problem statement.
const similarEmbedLimit = 2000

// similarSeedComments bounds how many of the ticket's comments join the
// seed text.
const similarSeedComments = 20

// FindSimilarTickets returns past tickets semantically close to the given
// one, within the caller's visibility. The seed ticket itself is excluded.
func (e *Engine) FindSimilarTickets(ctx context.Context, identity access.Identity, ticketID int64, limit int) ([]Result, error) {
	return e.findSimilar(ctx, identity, ticketID, false, limit, func(pred access.Predicate, src *store.Source) access.Predicate {
		return pred.
			And("s.source_type = 'ticket'").
			And("s.id <> ?", src.ID)
	})
}

// FindSimilarReplies returns comments written on tickets similar to the
// given one, for reply drafting. includeInternal admits agents' internal
// notes when the caller may see them. Comments on the seed ticket itself
// are excluded.
func (e *Engine) FindSimilarReplies(ctx context.Context, identity access.Identity, ticketID int64, includeInternal bool, limit int) ([]Result, error) {
	return e.findSimilar(ctx, identity, ticketID, includeInternal, limit, func(pred access.Predicate, src *store.Source) access.Predicate {
		pred = pred.And("s.source_type = 'comment'")
		if src.TicketID != nil {
			pred = pred.And("s.ticket_id <> ?", *src.TicketID)
		}
		return pred
	})
}

func (e *Engine) findSimilar(ctx context.Context, identity access.Identity, ticketID int64, includeInternal bool, limit int, narrow func(access.Predicate, *store.Source) access.Predicate) ([]Result, error) {
	if limit <= 0 {
		limit = e.cfg.TopK
	}

	scope, err := e.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolving viewer scope: %w", err)
	}

	// Similarity spans the caller's whole visible corpus; the seed ticket
	// provides the context that authorization requires.
	ticketCustomer, err := e.store.TicketCustomer(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, e.deny(access.Denied(access.DenyTicketOutOfScope,
			fmt.Sprintf("ticket %d does not exist", ticketID)))
	}
	if err != nil {
		return nil, err
	}
	qctx := access.QueryContext{
		TicketID:         &ticketID,
		TicketCustomerID: ticketCustomer,
	}
	if err := access.Authorize(scope, qctx); err != nil {
		var accErr *access.AccessError
		if errors.As(err, &accErr) {
			return nil, e.deny(accErr)
		}
		return nil, err
	}

	src, err := e.store.SourceByKey(ctx, "ticket", strconv.FormatInt(ticketID, 10))
	if err != nil {
		return nil, fmt.Errorf("loading seed ticket: %w", err)
	}

	seed := e.seedText(ctx, src, ticketID)
	vec, err := e.embedder.EmbedQuery(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("embedding seed ticket: %w", err)
	}

	// Similar-item search must not inherit the seed ticket's row filter,
	// only the caller's visibility.
	viewCtx := access.QueryContext{IncludeInternal: includeInternal, AllowGlobal: true}
	broad := access.BuildPredicate(scope, viewCtx)
	pred := narrow(broad, src)

	hits, err := e.store.SearchVector(ctx, vec, pred, e.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	seen := make(map[int64]bool)
	var results []Result
	for _, hit := range hits {
		if seen[hit.SourceID] {
			continue
		}
		if !access.CanViewRow(scope, viewCtx, rowMeta(hit)) {
			continue
		}
		seen[hit.SourceID] = true
		r := resultFromHit(hit)
		r.Score = hit.Score
		results = append(results, r)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// seedText joins the ticket's indexed content with its comment thread, so
// the similarity query reflects the whole conversation, not only the
// opening description.
func (e *Engine) seedText(ctx context.Context, src *store.Source, ticketID int64) string {
	parts := []string{src.ContentText}
	comments, err := e.store.TicketCommentTexts(ctx, ticketID, similarSeedComments)
	if err != nil {
		e.logger.Warn("loading seed comments", "ticket_id", ticketID, "error", err)
	} else {
		parts = append(parts, comments...)
	}
	return truncateUTF8(strings.Join(parts, "\n"), similarEmbedLimit)
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
