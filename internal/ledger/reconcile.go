package ledger

import (
	"context"
	"fmt"

	"github.com/sondeo-ai/sondeo/internal/model"
)

// reconcileEventLimit caps how many events one reconciliation pass reads.
// Scopes larger than this are checked against a truncated prefix and
// reported as partial.
const reconcileEventLimit = 100_000

// Drift is the outcome of comparing a rollup against its raw events.
type Drift struct {
	ScopeKey          string
	EventCalls        int64
	RollupCalls       int64
	EventTotalTokens  int64
	RollupTotalTokens int64
	Partial           bool // event read hit the limit; comparison is best-effort
}

// Clean reports whether the rollup matched the event log exactly.
func (d Drift) Clean() bool {
	return !d.Partial && d.EventCalls == d.RollupCalls && d.EventTotalTokens == d.RollupTotalTokens
}

// Reconcile recomputes a scope's aggregate from the raw event log and
// compares it with the stored rollup. This is an out-of-band consistency
// check only; the write path never depends on it.
func (s *Service) Reconcile(ctx context.Context, scopeKey string) (Drift, error) {
	rollup, err := s.store.GetUsageRollup(ctx, scopeKey)
	if err != nil {
		return Drift{}, fmt.Errorf("ledger: load rollup for reconcile: %w", err)
	}

	events, err := s.store.ListUsageEventsByScope(ctx, scopeKey, reconcileEventLimit)
	if err != nil {
		return Drift{}, fmt.Errorf("ledger: list events for reconcile: %w", err)
	}

	var recomputed model.NormalizedTokenUsage
	for _, e := range events {
		recomputed.Add(e.Usage)
	}

	drift := Drift{
		ScopeKey:          scopeKey,
		EventCalls:        int64(len(events)),
		RollupCalls:       rollup.TotalCalls,
		EventTotalTokens:  recomputed.TotalTokens,
		RollupTotalTokens: rollup.Totals.TotalTokens,
		Partial:           len(events) == reconcileEventLimit,
	}

	if !drift.Clean() {
		s.logger.Warn("ledger: rollup drift detected",
			"scope", scopeKey,
			"event_calls", drift.EventCalls,
			"rollup_calls", drift.RollupCalls,
			"event_total_tokens", drift.EventTotalTokens,
			"rollup_total_tokens", drift.RollupTotalTokens,
			"partial", drift.Partial,
		)
	}
	return drift, nil
}
