package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sondeo-ai/sondeo/internal/model"
	"github.com/sondeo-ai/sondeo/internal/storage"
)

func openTestSQLite(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingRun() *model.SimulationRun {
	return &model.SimulationRun{
		ID:           uuid.New(),
		CollectionID: uuid.New(),
		LaunchedBy:   uuid.New(),
		Status:       model.RunStatusPending,
		PersonaIDs:   []uuid.UUID{uuid.New(), uuid.New()},
		Config:       model.DefaultSimulationConfig(),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestSQLiteRunLifecycle(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	run := pendingRun()
	require.NoError(t, s.CreateSimulationRun(ctx, run))

	loaded, err := s.LoadSimulationRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, model.RunStatusPending, loaded.Status)
	assert.Equal(t, run.PersonaIDs, loaded.PersonaIDs)
	assert.Equal(t, run.Config.MaxTurnsPerQuestion, loaded.Config.MaxTurnsPerQuestion)

	run.Status = model.RunStatusRunning
	run.TotalSimulations = 2
	require.NoError(t, s.SaveSimulationRun(ctx, run))

	now := time.Now().UTC()
	run.Status = model.RunStatusCompleted
	run.CompletedSimulations = 2
	run.CompletedAt = &now
	require.NoError(t, s.SaveSimulationRun(ctx, run))

	// A late checkpoint must not regress a terminal run.
	run.Status = model.RunStatusRunning
	err = s.SaveSimulationRun(ctx, run)
	require.Error(t, err)

	loaded, err = s.LoadSimulationRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, loaded.Status)
}

func TestSQLiteLoadMissingRun(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.LoadSimulationRun(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteClaimPendingRun(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	older := pendingRun()
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := pendingRun()
	require.NoError(t, s.CreateSimulationRun(ctx, older))
	require.NoError(t, s.CreateSimulationRun(ctx, newer))

	first, err := s.ClaimPendingRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, older.ID, first.ID, "oldest pending run is claimed first")

	second, err := s.ClaimPendingRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, second.ID)

	_, err = s.ClaimPendingRun(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound, "claimed runs are not offered again")
}

func TestSQLiteSessionStateRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	state := &model.SessionState{
		SessionID:    uuid.New(),
		RunID:        uuid.New(),
		PersonaID:    uuid.New(),
		CollectionID: uuid.New(),
		Questions:    []model.Question{{ID: uuid.New(), Text: "why sourdough?"}},
		Phase:        model.PhaseQuestioning,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveSessionState(ctx, state))

	state.AppendUtterance(model.RoleInterviewer, "tell me more", time.Now().UTC())
	state.TurnInQuestion = 1
	require.NoError(t, s.SaveSessionState(ctx, state))

	loaded, err := s.LoadSessionState(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.TurnInQuestion)
	require.Len(t, loaded.Transcript, 1)
	assert.Equal(t, "tell me more", loaded.Transcript[0].Content)

	sessions, err := s.ListSessionsByRun(ctx, state.RunID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, state.SessionID, sessions[0].SessionID)
}

func TestSQLiteResumeTokens(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	sessionID := uuid.New()
	expiry := time.Now().UTC().Add(time.Hour)
	const hash = "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"

	require.NoError(t, s.StoreResumeTokenHash(ctx, sessionID, hash, expiry))

	gotSession, gotExpiry, found, err := s.LookupResumeToken(ctx, hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sessionID, gotSession)
	require.NotNil(t, gotExpiry)
	assert.WithinDuration(t, expiry, *gotExpiry, time.Second)

	require.NoError(t, s.ConsumeResumeToken(ctx, hash))

	_, _, found, err = s.LookupResumeToken(ctx, hash)
	require.NoError(t, err)
	assert.False(t, found, "consumed token is gone")

	err = s.ConsumeResumeToken(ctx, hash)
	require.ErrorIs(t, err, storage.ErrNotFound, "double consume fails")
}

func TestSQLiteUsageEventUpdatesRollup(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	ws := uuid.New()
	session := uuid.New()
	attr := model.Attribution{WorkspaceID: &ws, SessionID: &session}

	for i := range 3 {
		event := model.LLMUsageEvent{
			ID:          uuid.New(),
			Attribution: attr,
			Provider:    model.ProviderOpenAI,
			Model:       "gpt-4o",
			UseCase:     model.UseCasePersonaReply,
			Status:      model.UsageStatusSuccess,
			Usage: model.NormalizedTokenUsage{
				PromptTokens:     10,
				CompletionTokens: 5,
				TotalTokens:      15,
			},
			LatencyMs: int64(100 + i),
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateUsageEventAndUpsertRollup(ctx, event))
	}

	rollup, err := s.GetUsageRollup(ctx, attr.ScopeKey())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rollup.TotalCalls)
	assert.Equal(t, int64(45), rollup.Totals.TotalTokens)
	assert.Equal(t, int64(3), rollup.ByProvider["openai"].Calls)
	assert.Equal(t, int64(3), rollup.ByStatus["success"])

	events, err := s.ListUsageEventsByScope(ctx, attr.ScopeKey(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, model.ProviderOpenAI, events[0].Provider)
	assert.Equal(t, attr.ScopeKey(), events[0].Attribution.ScopeKey())

	keys, err := s.ListActiveScopeKeys(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Contains(t, keys, attr.ScopeKey())
}

func TestSQLiteRollupNotFound(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.GetUsageRollup(context.Background(), "-/-/-/-/-")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
