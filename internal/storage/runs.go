package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sondeo-ai/sondeo/internal/model"
)

const runColumns = `id, collection_id, launched_by, status, persona_ids, questions,
	enable_barbara, enable_summaries, enable_additional_questions,
	total_simulations, completed_simulations, failed_simulations, error_message,
	config, progress, started_at, completed_at, created_at`

// CreateSimulationRun inserts a new pending run.
func (db *DB) CreateSimulationRun(ctx context.Context, run *model.SimulationRun) error {
	personaIDs, questions, config, progress, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO simulation_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		run.ID, run.CollectionID, run.LaunchedBy, string(run.Status), personaIDs, questions,
		run.EnableBarbara, run.EnableSummaries, run.EnableAdditionalQuestions,
		run.TotalSimulations, run.CompletedSimulations, run.FailedSimulations, run.ErrorMessage,
		config, progress, run.StartedAt, run.CompletedAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create simulation run: %w", err)
	}
	return nil
}

// SaveSimulationRun persists the current state of a run. The WHERE clause
// refuses to touch rows already in a terminal status, so a stale checkpoint
// can never regress a finished run.
func (db *DB) SaveSimulationRun(ctx context.Context, run *model.SimulationRun) error {
	personaIDs, questions, config, progress, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE simulation_runs SET
			status = $1, persona_ids = $2, questions = $3,
			total_simulations = $4, completed_simulations = $5, failed_simulations = $6,
			error_message = $7, config = $8, progress = $9,
			started_at = $10, completed_at = $11
		 WHERE id = $12 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(run.Status), personaIDs, questions,
		run.TotalSimulations, run.CompletedSimulations, run.FailedSimulations,
		run.ErrorMessage, config, progress,
		run.StartedAt, run.CompletedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: save simulation run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or already terminal", run.ID)
	}
	return nil
}

// LoadSimulationRun retrieves a run by ID.
func (db *DB) LoadSimulationRun(ctx context.Context, id uuid.UUID) (*model.SimulationRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM simulation_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: load run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: load run %s: %w", id, err)
	}
	return run, nil
}

// ClaimPendingRun atomically claims the oldest pending run. SKIP LOCKED
// keeps concurrent workers from blocking on (or double-claiming) the same
// row.
func (db *DB) ClaimPendingRun(ctx context.Context) (*model.SimulationRun, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: claim run: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM simulation_runs
		 WHERE status = 'pending' AND claimed_at IS NULL
		 ORDER BY created_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: claim run: select: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE simulation_runs SET claimed_at = now() WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("storage: claim run: stamp: %w", err)
	}

	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("storage: claim run: load: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: claim run: commit: %w", err)
	}
	return run, nil
}

func encodeRunJSON(run *model.SimulationRun) (personaIDs, questions, config, progress []byte, err error) {
	if personaIDs, err = json.Marshal(run.PersonaIDs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode persona ids: %w", err)
	}
	if questions, err = json.Marshal(run.Questions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode questions: %w", err)
	}
	if config, err = json.Marshal(run.Config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode run config: %w", err)
	}
	if progress, err = json.Marshal(run.Progress); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode run progress: %w", err)
	}
	return personaIDs, questions, config, progress, nil
}

func scanRun(row pgx.Row) (*model.SimulationRun, error) {
	var (
		run        model.SimulationRun
		status     string
		personaIDs []byte
		questions  []byte
		config     []byte
		progress   []byte
	)
	err := row.Scan(
		&run.ID, &run.CollectionID, &run.LaunchedBy, &status, &personaIDs, &questions,
		&run.EnableBarbara, &run.EnableSummaries, &run.EnableAdditionalQuestions,
		&run.TotalSimulations, &run.CompletedSimulations, &run.FailedSimulations, &run.ErrorMessage,
		&config, &progress, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal(personaIDs, &run.PersonaIDs); err != nil {
		return nil, fmt.Errorf("decode persona ids: %w", err)
	}
	if err := json.Unmarshal(questions, &run.Questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if err := json.Unmarshal(config, &run.Config); err != nil {
		return nil, fmt.Errorf("decode run config: %w", err)
	}
	if err := json.Unmarshal(progress, &run.Progress); err != nil {
		return nil, fmt.Errorf("decode run progress: %w", err)
	}
	return &run, nil
}
