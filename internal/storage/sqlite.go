package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sondeo-ai/sondeo/internal/model"
)

// SQLite implements Store on an embedded database for development and
// single-node deployments. Writes serialize through a mutex; SQLite has a
// single writer anyway and holding the lock across the event+rollup
// transaction gives the same atomicity the Postgres path gets from row
// locks.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (and if necessary creates) an embedded database at path.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// In-memory databases vanish when their sole connection closes.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS simulation_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			claimed_at TEXT,
			created_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interview_sessions (
			session_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interview_sessions_run ON interview_sessions (run_id)`,
		`CREATE TABLE IF NOT EXISTS resume_tokens (
			token_hash TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			expires_at TEXT,
			consumed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS llm_usage_events (
			id TEXT PRIMARY KEY,
			scope_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_usage_events_scope ON llm_usage_events (scope_key, created_at)`,
		`CREATE TABLE IF NOT EXISTS llm_usage_rollups (
			scope_key TEXT PRIMARY KEY,
			updated_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: sqlite schema: %w", err)
		}
	}
	return nil
}

// CreateSimulationRun inserts a new pending run.
func (s *SQLite) CreateSimulationRun(ctx context.Context, run *model.SimulationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("storage: encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulation_runs (id, status, created_at, doc) VALUES (?, ?, ?, ?)`,
		run.ID.String(), string(run.Status), run.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc),
	)
	if err != nil {
		return fmt.Errorf("storage: create simulation run: %w", err)
	}
	return nil
}

// SaveSimulationRun persists the current state of a run, refusing to touch
// rows already terminal.
func (s *SQLite) SaveSimulationRun(ctx context.Context, run *model.SimulationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("storage: encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE simulation_runs SET status = ?, doc = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(run.Status), string(doc), run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: save simulation run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: run %s not found or already terminal", run.ID)
	}
	return nil
}

// LoadSimulationRun retrieves a run by ID.
func (s *SQLite) LoadSimulationRun(ctx context.Context, id uuid.UUID) (*model.SimulationRun, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM simulation_runs WHERE id = ?`, id.String()).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("storage: load run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: load run %s: %w", id, err)
	}
	var run model.SimulationRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("storage: decode run: %w", err)
	}
	return &run, nil
}

// ClaimPendingRun picks the oldest unclaimed pending run and stamps it.
// The write mutex makes the select-then-stamp atomic.
func (s *SQLite) ClaimPendingRun(ctx context.Context) (*model.SimulationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id  string
		doc string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, doc FROM simulation_runs
		 WHERE status = 'pending' AND claimed_at IS NULL
		 ORDER BY created_at LIMIT 1`,
	).Scan(&id, &doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: claim run: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE simulation_runs SET claimed_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	); err != nil {
		return nil, fmt.Errorf("storage: claim run: stamp: %w", err)
	}
	var run model.SimulationRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("storage: decode run: %w", err)
	}
	return &run, nil
}

// SaveSessionState upserts a session checkpoint.
func (s *SQLite) SaveSessionState(ctx context.Context, state *model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: encode session state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interview_sessions (session_id, run_id, updated_at, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		state.SessionID.String(), state.RunID.String(),
		time.Now().UTC().Format(time.RFC3339Nano), string(doc),
	)
	if err != nil {
		return fmt.Errorf("storage: save session %s: %w", state.SessionID, err)
	}
	return nil
}

// LoadSessionState retrieves one session checkpoint.
func (s *SQLite) LoadSessionState(ctx context.Context, sessionID uuid.UUID) (*model.SessionState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM interview_sessions WHERE session_id = ?`, sessionID.String()).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("storage: load session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: load session %s: %w", sessionID, err)
	}
	var state model.SessionState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("storage: decode session state: %w", err)
	}
	return &state, nil
}

// ListSessionsByRun returns all session checkpoints for a run, oldest first.
func (s *SQLite) ListSessionsByRun(ctx context.Context, runID uuid.UUID) ([]*model.SessionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM interview_sessions WHERE run_id = ? ORDER BY updated_at`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var states []*model.SessionState
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		var state model.SessionState
		if err := json.Unmarshal([]byte(doc), &state); err != nil {
			return nil, fmt.Errorf("storage: decode session state: %w", err)
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}

// StoreResumeTokenHash records a fresh token hash for a session.
func (s *SQLite) StoreResumeTokenHash(ctx context.Context, sessionID uuid.UUID, hash string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resume_tokens (token_hash, session_id, expires_at) VALUES (?, ?, ?)`,
		hash, sessionID.String(), expiry.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: store resume token: %w", err)
	}
	return nil
}

// LookupResumeToken resolves a hash to its session and expiry.
func (s *SQLite) LookupResumeToken(ctx context.Context, hash string) (uuid.UUID, *time.Time, bool, error) {
	var (
		sessionStr string
		expiryStr  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, expires_at FROM resume_tokens
		 WHERE token_hash = ? AND consumed_at IS NULL`, hash,
	).Scan(&sessionStr, &expiryStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, nil, false, nil
		}
		return uuid.Nil, nil, false, fmt.Errorf("storage: lookup resume token: %w", err)
	}
	sessionID, err := uuid.Parse(sessionStr)
	if err != nil {
		return uuid.Nil, nil, false, fmt.Errorf("storage: parse session id: %w", err)
	}
	var expiry *time.Time
	if expiryStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiryStr.String)
		if err != nil {
			return uuid.Nil, nil, false, fmt.Errorf("storage: parse token expiry: %w", err)
		}
		expiry = &t
	}
	return sessionID, expiry, true, nil
}

// ConsumeResumeToken invalidates a hash so it can never be used again.
func (s *SQLite) ConsumeResumeToken(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE resume_tokens SET consumed_at = ? WHERE token_hash = ? AND consumed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), hash,
	)
	if err != nil {
		return fmt.Errorf("storage: consume resume token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: consume resume token: %w", ErrNotFound)
	}
	return nil
}

// CreateUsageEventAndUpsertRollup appends one usage event and folds it into
// its scope's rollup in one transaction.
func (s *SQLite) CreateUsageEventAndUpsertRollup(ctx context.Context, event model.LLMUsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventDoc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: encode usage event: %w", err)
	}
	scopeKey := event.Attribution.ScopeKey()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: usage event: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO llm_usage_events (id, scope_key, created_at, doc) VALUES (?, ?, ?, ?)`,
		event.ID.String(), scopeKey, event.CreatedAt.UTC().Format(time.RFC3339Nano), string(eventDoc),
	); err != nil {
		return fmt.Errorf("storage: insert usage event: %w", err)
	}

	var doc sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM llm_usage_rollups WHERE scope_key = ?`, scopeKey).Scan(&doc)
	var rollup model.UsageRollup
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rollup = model.NewUsageRollup(event.Attribution)
	case err != nil:
		return fmt.Errorf("storage: load rollup: %w", err)
	default:
		if err := json.Unmarshal([]byte(doc.String), &rollup); err != nil {
			return fmt.Errorf("storage: decode rollup: %w", err)
		}
	}
	rollup.Apply(event)
	rollup.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(rollup)
	if err != nil {
		return fmt.Errorf("storage: encode rollup: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO llm_usage_rollups (scope_key, updated_at, doc) VALUES (?, ?, ?)
		 ON CONFLICT(scope_key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		scopeKey, rollup.UpdatedAt.Format(time.RFC3339Nano), string(updated),
	); err != nil {
		return fmt.Errorf("storage: upsert rollup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: usage event: commit: %w", err)
	}
	return nil
}

// GetUsageRollup loads the rollup for a scope key.
func (s *SQLite) GetUsageRollup(ctx context.Context, scopeKey string) (model.UsageRollup, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM llm_usage_rollups WHERE scope_key = ?`, scopeKey).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UsageRollup{}, fmt.Errorf("storage: rollup %q: %w", scopeKey, ErrNotFound)
		}
		return model.UsageRollup{}, fmt.Errorf("storage: get rollup: %w", err)
	}
	var rollup model.UsageRollup
	if err := json.Unmarshal([]byte(doc), &rollup); err != nil {
		return model.UsageRollup{}, fmt.Errorf("storage: decode rollup: %w", err)
	}
	return rollup, nil
}

// ListUsageEventsByScope returns events for a scope, oldest first.
func (s *SQLite) ListUsageEventsByScope(ctx context.Context, scopeKey string, limit int) ([]model.LLMUsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM llm_usage_events
		 WHERE scope_key = ? ORDER BY created_at, id LIMIT ?`, scopeKey, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage events: %w", err)
	}
	defer rows.Close()

	var events []model.LLMUsageEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan usage event: %w", err)
		}
		var event model.LLMUsageEvent
		if err := json.Unmarshal([]byte(doc), &event); err != nil {
			return nil, fmt.Errorf("storage: decode usage event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListActiveScopeKeys returns scope keys with events since the cutoff.
func (s *SQLite) ListActiveScopeKeys(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_key FROM llm_usage_events
		 WHERE created_at >= ?
		 GROUP BY scope_key ORDER BY max(created_at) DESC LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list active scopes: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage: scan scope key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var _ Store = (*SQLite)(nil)
var _ Store = (*DB)(nil)
