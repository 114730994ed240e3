package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sondeo-ai/sondeo/internal/model"
	"github.com/sondeo-ai/sondeo/internal/storage"
	"github.com/sondeo-ai/sondeo/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("SONDEO_SKIP_CONTAINER_TESTS") != "" {
		os.Exit(m.Run())
	}
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("container tests disabled")
	}
	return testDB
}

func TestPostgresRunLifecycle(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	run := pendingRun()
	require.NoError(t, db.CreateSimulationRun(ctx, run))

	loaded, err := db.LoadSimulationRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.PersonaIDs, loaded.PersonaIDs)
	assert.Equal(t, model.RunStatusPending, loaded.Status)

	started := time.Now().UTC()
	run.Status = model.RunStatusRunning
	run.StartedAt = &started
	run.TotalSimulations = len(run.PersonaIDs)
	require.NoError(t, db.SaveSimulationRun(ctx, run))

	done := time.Now().UTC()
	run.Status = model.RunStatusCancelled
	run.CompletedAt = &done
	require.NoError(t, db.SaveSimulationRun(ctx, run))

	// Terminal rows reject further writes.
	run.Status = model.RunStatusCompleted
	require.Error(t, db.SaveSimulationRun(ctx, run))

	loaded, err = db.LoadSimulationRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
}

func TestPostgresCounterInvariantEnforced(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	run := pendingRun()
	require.NoError(t, db.CreateSimulationRun(ctx, run))

	run.Status = model.RunStatusRunning
	run.TotalSimulations = 1
	run.CompletedSimulations = 1
	run.FailedSimulations = 1
	err := db.SaveSimulationRun(ctx, run)
	require.Error(t, err, "check constraint rejects completed+failed > total")
}

func TestPostgresClaimPendingRunConcurrent(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	var created []uuid.UUID
	for range 4 {
		run := pendingRun()
		require.NoError(t, db.CreateSimulationRun(ctx, run))
		created = append(created, run.ID)
	}

	var (
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				run, err := db.ClaimPendingRun(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[run.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, id := range created {
		assert.Equal(t, 1, claimed[id], "run %s claimed exactly once", id)
	}
}

func TestPostgresSessionAndTokens(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	state := &model.SessionState{
		SessionID:    uuid.New(),
		RunID:        uuid.New(),
		PersonaID:    uuid.New(),
		CollectionID: uuid.New(),
		Phase:        model.PhaseQuestioning,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.SaveSessionState(ctx, state))
	state.QuestionIndex = 2
	require.NoError(t, db.SaveSessionState(ctx, state))

	loaded, err := db.LoadSessionState(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.QuestionIndex)

	hash := "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"
	require.NoError(t, db.StoreResumeTokenHash(ctx, state.SessionID, hash, time.Now().UTC().Add(time.Hour)))

	sessionID, expiry, found, err := db.LookupResumeToken(ctx, hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.SessionID, sessionID)
	require.NotNil(t, expiry)

	require.NoError(t, db.ConsumeResumeToken(ctx, hash))
	_, _, found, err = db.LookupResumeToken(ctx, hash)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresUsageEventAndRollupAtomic(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	ws := uuid.New()
	attr := model.Attribution{WorkspaceID: &ws}

	// Concurrent writers to the same scope must not lose updates.
	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				event := model.LLMUsageEvent{
					ID:          uuid.New(),
					Attribution: attr,
					Provider:    model.ProviderAnthropic,
					Model:       "claude-sonnet-4-5",
					UseCase:     model.UseCaseInterviewerTurn,
					Status:      model.UsageStatusSuccess,
					Usage:       model.NormalizedTokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
					CreatedAt:   time.Now().UTC(),
				}
				assert.NoError(t, db.CreateUsageEventAndUpsertRollup(ctx, event))
			}
		}()
	}
	wg.Wait()

	rollup, err := db.GetUsageRollup(ctx, attr.ScopeKey())
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), rollup.TotalCalls)
	assert.Equal(t, int64(writers*perWriter*10), rollup.Totals.TotalTokens)

	events, err := db.ListUsageEventsByScope(ctx, attr.ScopeKey(), writers*perWriter+1)
	require.NoError(t, err)
	assert.Len(t, events, writers*perWriter)
}
