package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sondeo-ai/sondeo/internal/model"
)

// Store is the full persistence surface. *DB (Postgres) and *SQLite both
// implement it; the ledger, resume, and sim packages each depend on the
// narrow slice they need.
type Store interface {
	// Simulation runs.
	CreateSimulationRun(ctx context.Context, run *model.SimulationRun) error
	SaveSimulationRun(ctx context.Context, run *model.SimulationRun) error
	LoadSimulationRun(ctx context.Context, id uuid.UUID) (*model.SimulationRun, error)
	// ClaimPendingRun picks the oldest unclaimed pending run and stamps it
	// claimed so concurrent workers never pick the same run twice. Returns
	// ErrNotFound when nothing is pending.
	ClaimPendingRun(ctx context.Context) (*model.SimulationRun, error)

	// Interview sessions.
	SaveSessionState(ctx context.Context, state *model.SessionState) error
	LoadSessionState(ctx context.Context, sessionID uuid.UUID) (*model.SessionState, error)
	ListSessionsByRun(ctx context.Context, runID uuid.UUID) ([]*model.SessionState, error)

	// Resume tokens.
	StoreResumeTokenHash(ctx context.Context, sessionID uuid.UUID, hash string, expiry time.Time) error
	LookupResumeToken(ctx context.Context, hash string) (sessionID uuid.UUID, expiry *time.Time, found bool, err error)
	ConsumeResumeToken(ctx context.Context, hash string) error

	// Usage ledger.
	CreateUsageEventAndUpsertRollup(ctx context.Context, event model.LLMUsageEvent) error
	GetUsageRollup(ctx context.Context, scopeKey string) (model.UsageRollup, error)
	ListUsageEventsByScope(ctx context.Context, scopeKey string, limit int) ([]model.LLMUsageEvent, error)
	// ListActiveScopeKeys returns scope keys that recorded events since the
	// cutoff; the reconciliation job walks these.
	ListActiveScopeKeys(ctx context.Context, since time.Time, limit int) ([]string, error)
}
