package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
	"github.com/sondeo-ai/sondeo/internal/telemetry"
)

// errRunCancelled is the cancellation cause installed by Cancel, so an
// explicit cancel is distinguishable from a process shutdown.
var errRunCancelled = errors.New("sim: run cancelled")

// Store is the durable backing the scheduler checkpoints runs and sessions
// through.
type Store interface {
	SaveSimulationRun(ctx context.Context, run *model.SimulationRun) error
	SaveSessionState(ctx context.Context, state *model.SessionState) error
}

// Scheduler executes simulation runs. Each run gets its own bounded worker
// pool of size MaxConcurrentSimulations; runs executing concurrently do not
// share a pool (per-run bounds match the configured semantics and avoid
// cross-run starvation).
type Scheduler struct {
	store   Store
	client  llm.Client
	invoker *llm.Invoker
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc

	activeSims metric.Int64UpDownCounter
}

// New creates a scheduler.
func New(store Store, client llm.Client, invoker *llm.Invoker, logger *slog.Logger) *Scheduler {
	meter := telemetry.Meter("sondeo/sim")
	activeSims, _ := meter.Int64UpDownCounter("sondeo.sim.active_simulations",
		metric.WithDescription("Turn drivers currently executing"))

	return &Scheduler{
		store:      store,
		client:     client,
		invoker:    invoker,
		logger:     logger,
		cancels:    map[uuid.UUID]context.CancelCauseFunc{},
		activeSims: activeSims,
	}
}

// Execute runs one simulation run to a terminal status. The run must be
// pending; Execute owns all mutation of it from launch to completion.
// Individual persona failures are data, not errors: Execute returns an error
// only for infrastructure faults like checkpoint failures at launch.
func (s *Scheduler) Execute(ctx context.Context, run *model.SimulationRun, questions []model.Question) error {
	if run.Status != model.RunStatusPending {
		return fmt.Errorf("sim: run %s is %s, want pending", run.ID, run.Status)
	}
	if run.Config.MaxConcurrentSimulations <= 0 {
		return fmt.Errorf("sim: run %s has non-positive concurrency bound", run.ID)
	}

	now := time.Now().UTC()
	run.Status = model.RunStatusRunning
	run.StartedAt = &now
	run.TotalSimulations = len(run.PersonaIDs)
	run.Progress = model.RunProgress{
		Total:     run.TotalSimulations,
		Personas:  make(map[string]string, len(run.PersonaIDs)),
		UpdatedAt: now,
	}
	for _, personaID := range run.PersonaIDs {
		run.Progress.Personas[personaID.String()] = "pending"
	}
	if err := s.store.SaveSimulationRun(ctx, run); err != nil {
		return fmt.Errorf("sim: launch run %s: %w", run.ID, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	s.register(run.ID, cancel)
	defer func() {
		cancel(nil)
		s.unregister(run.ID)
	}()

	var g errgroup.Group
	g.SetLimit(run.Config.MaxConcurrentSimulations)

	for _, personaID := range run.PersonaIDs {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.activeSims.Add(runCtx, 1)
			defer s.activeSims.Add(runCtx, -1)

			s.markPersona(runCtx, run, personaID, "running")
			state := newSessionState(run, personaID, questions)
			if err := s.store.SaveSessionState(context.WithoutCancel(runCtx), state); err != nil {
				s.finishPersona(runCtx, run, personaID, fmt.Errorf("sim: create session: %w", err))
				return nil
			}
			driver := NewDriver(run, state, s.client, s.invoker, s.store, s.logger)
			s.finishPersona(runCtx, run, personaID, driver.Run(runCtx))
			return nil
		})
	}
	_ = g.Wait()

	return s.finishRun(ctx, run, runCtx)
}

// Cancel signals a running run to stop. In-flight turn drivers stop at their
// next turn boundary; the run's status becomes cancelled.
func (s *Scheduler) Cancel(runID uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel(errRunCancelled)
	}
	return ok
}

func (s *Scheduler) register(runID uuid.UUID, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[runID] = cancel
}

func (s *Scheduler) unregister(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, runID)
}

func newSessionState(run *model.SimulationRun, personaID uuid.UUID, questions []model.Question) *model.SessionState {
	return &model.SessionState{
		SessionID:    uuid.New(),
		RunID:        run.ID,
		PersonaID:    personaID,
		CollectionID: run.CollectionID,
		Questions:    questions,
		Phase:        model.PhaseQuestioning,
		StartedAt:    time.Now().UTC(),
	}
}

// markPersona updates the progress snapshot for one persona.
func (s *Scheduler) markPersona(ctx context.Context, run *model.SimulationRun, personaID uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Progress.Personas[personaID.String()] = status
	run.Progress.UpdatedAt = time.Now().UTC()
	s.checkpoint(ctx, run)
}

// finishPersona folds one driver's terminal outcome into the run's counters.
// Increments serialize across concurrently finishing drivers, so the
// completed+failed <= total invariant holds at every observable instant.
func (s *Scheduler) finishPersona(ctx context.Context, run *model.SimulationRun, personaID uuid.UUID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := personaID.String()
	switch {
	case err == nil:
		run.CompletedSimulations++
		run.Progress.Personas[key] = "completed"
	case errors.Is(err, context.Canceled):
		// Stopped at a turn boundary by run cancellation or shutdown;
		// neither completed nor failed.
		run.Progress.Personas[key] = "cancelled"
	default:
		run.FailedSimulations++
		run.ErrorMessage = err.Error()
		run.Progress.Personas[key] = "failed"
		s.logger.Warn("sim: persona simulation failed",
			"run", run.ID, "persona", personaID, "error", err)
	}
	run.Progress.Completed = run.CompletedSimulations
	run.Progress.Failed = run.FailedSimulations
	run.Progress.UpdatedAt = time.Now().UTC()
	s.checkpoint(ctx, run)
}

// finishRun moves the run to its terminal status and sets CompletedAt
// exactly once.
func (s *Scheduler) finishRun(ctx context.Context, run *model.SimulationRun, runCtx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case runCtx.Err() != nil:
		run.Status = model.RunStatusCancelled
	case run.TotalSimulations > 0 && run.FailedSimulations == run.TotalSimulations:
		// Every persona failed; ErrorMessage already carries the last
		// fatal error.
		run.Status = model.RunStatusFailed
	default:
		// Partial failures do not fail the run.
		run.Status = model.RunStatusCompleted
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Progress.UpdatedAt = now

	// The terminal save must land even when Execute's own context is the
	// thing that was cancelled.
	if err := s.store.SaveSimulationRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("sim: finish run %s: %w", run.ID, err)
	}
	s.logger.Info("sim: run finished",
		"run", run.ID,
		"status", run.Status,
		"completed", run.CompletedSimulations,
		"failed", run.FailedSimulations,
	)
	return nil
}

// checkpoint saves the run best-effort while it executes. Callers hold s.mu.
// A failed mid-run checkpoint is logged and tolerated; the terminal save in
// finishRun is the authoritative one.
func (s *Scheduler) checkpoint(ctx context.Context, run *model.SimulationRun) {
	if err := s.store.SaveSimulationRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("sim: run checkpoint failed", "run", run.ID, "error", err)
	}
}
