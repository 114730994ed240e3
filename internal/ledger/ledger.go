// Package ledger maintains the durable usage-event log and its incrementally
// maintained rollup aggregates.
//
// Record is the single write path: one event append plus one rollup
// accumulation, committed atomically by the store. Concurrent writes into the
// same attribution scope serialize on a striped lock so the rollup always
// equals the sum of its events.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sondeo-ai/sondeo/internal/model"
	"github.com/sondeo-ai/sondeo/internal/telemetry"
)

// scopeStripes is the number of lock stripes. Scopes hash onto stripes;
// unrelated scopes may share a stripe, which costs some parallelism but
// never correctness.
const scopeStripes = 64

// Store is the durable backing consumed by the ledger.
type Store interface {
	// CreateUsageEventAndUpsertRollup appends the event and folds it into
	// the rollup for its scope in a single transaction.
	CreateUsageEventAndUpsertRollup(ctx context.Context, event model.LLMUsageEvent) error
	// GetUsageRollup loads the rollup for a scope key.
	GetUsageRollup(ctx context.Context, scopeKey string) (model.UsageRollup, error)
	// ListUsageEventsByScope returns events for a scope, oldest first.
	ListUsageEventsByScope(ctx context.Context, scopeKey string, limit int) ([]model.LLMUsageEvent, error)
}

// Service is the usage ledger.
type Service struct {
	store  Store
	logger *slog.Logger

	stripes [scopeStripes]sync.Mutex

	eventsRecorded metric.Int64Counter
	writeFailures  metric.Int64Counter
}

// New creates a ledger service writing through store.
func New(store Store, logger *slog.Logger) *Service {
	meter := telemetry.Meter("sondeo/ledger")
	eventsRecorded, _ := meter.Int64Counter("sondeo.ledger.events_recorded",
		metric.WithDescription("Usage events successfully appended to the ledger"))
	writeFailures, _ := meter.Int64Counter("sondeo.ledger.write_failures",
		metric.WithDescription("Usage event writes that failed at the store"))

	return &Service{
		store:          store,
		logger:         logger,
		eventsRecorded: eventsRecorded,
		writeFailures:  writeFailures,
	}
}

// Record appends one usage event and updates its scope's rollup. Writers to
// the same scope serialize; writers to different scopes usually proceed in
// parallel.
func (s *Service) Record(ctx context.Context, event model.LLMUsageEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	stripe := s.stripeFor(event.Attribution.ScopeKey())
	stripe.Lock()
	defer stripe.Unlock()

	if err := s.store.CreateUsageEventAndUpsertRollup(ctx, event); err != nil {
		s.writeFailures.Add(ctx, 1)
		return fmt.Errorf("ledger: record event: %w", err)
	}

	s.eventsRecorded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", string(event.Provider)),
			attribute.String("status", string(event.Status)),
		))
	return nil
}

func (s *Service) stripeFor(scopeKey string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scopeKey))
	return &s.stripes[h.Sum32()%scopeStripes]
}
