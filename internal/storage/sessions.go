package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sondeo-ai/sondeo/internal/model"
)

// SaveSessionState upserts a session checkpoint. The whole state travels as
// one JSONB document; the indexed columns exist for lookups only.
func (db *DB) SaveSessionState(ctx context.Context, state *model.SessionState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: encode session state: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO interview_sessions (session_id, run_id, persona_id, collection_id, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		state.SessionID, state.RunID, state.PersonaID, state.CollectionID, doc,
	)
	if err != nil {
		return fmt.Errorf("storage: save session %s: %w", state.SessionID, err)
	}
	return nil
}

// LoadSessionState retrieves one session checkpoint.
func (db *DB) LoadSessionState(ctx context.Context, sessionID uuid.UUID) (*model.SessionState, error) {
	var doc []byte
	err := db.pool.QueryRow(ctx,
		`SELECT state FROM interview_sessions WHERE session_id = $1`, sessionID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: load session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: load session %s: %w", sessionID, err)
	}
	return decodeSessionState(doc)
}

// ListSessionsByRun returns all session checkpoints for a run, oldest first.
func (db *DB) ListSessionsByRun(ctx context.Context, runID uuid.UUID) ([]*model.SessionState, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT state FROM interview_sessions WHERE run_id = $1 ORDER BY updated_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var states []*model.SessionState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		state, err := decodeSessionState(doc)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func decodeSessionState(doc []byte) (*model.SessionState, error) {
	var state model.SessionState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, fmt.Errorf("storage: decode session state: %w", err)
	}
	return &state, nil
}

// StoreResumeTokenHash records a fresh token hash for a session. Only the
// hash ever reaches the database; the plaintext token exists client-side.
func (db *DB) StoreResumeTokenHash(ctx context.Context, sessionID uuid.UUID, hash string, expiry time.Time) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO resume_tokens (token_hash, session_id, expires_at) VALUES ($1, $2, $3)`,
		hash, sessionID, expiry,
	)
	if err != nil {
		return fmt.Errorf("storage: store resume token: %w", err)
	}
	return nil
}

// LookupResumeToken resolves a hash to its session and expiry. Consumed or
// unknown hashes return found=false.
func (db *DB) LookupResumeToken(ctx context.Context, hash string) (uuid.UUID, *time.Time, bool, error) {
	var (
		sessionID uuid.UUID
		expiry    *time.Time
	)
	err := db.pool.QueryRow(ctx,
		`SELECT session_id, expires_at FROM resume_tokens
		 WHERE token_hash = $1 AND consumed_at IS NULL`, hash,
	).Scan(&sessionID, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, nil, false, nil
		}
		return uuid.Nil, nil, false, fmt.Errorf("storage: lookup resume token: %w", err)
	}
	return sessionID, expiry, true, nil
}

// ConsumeResumeToken invalidates a hash. Consuming an already-consumed or
// unknown hash is an error so redemption races surface instead of silently
// minting two sessions from one token.
func (db *DB) ConsumeResumeToken(ctx context.Context, hash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE resume_tokens SET consumed_at = now()
		 WHERE token_hash = $1 AND consumed_at IS NULL`, hash)
	if err != nil {
		return fmt.Errorf("storage: consume resume token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: consume resume token: %w", ErrNotFound)
	}
	return nil
}
