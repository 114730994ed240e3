package sim

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
)

// scriptClient replays a fixed sequence of interviewer directives. Persona
// and summary calls (recognized by their system prompts) get canned replies
// and do not consume the script.
type scriptClient struct {
	mu       sync.Mutex
	script   []string
	pos      int
	requests []llm.ChatRequest
	err      error
}

func (c *scriptClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}

	usage := &llm.RawUsage{OpenAI: &llm.OpenAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	if isInterviewer(req) {
		if c.pos >= len(c.script) {
			return &llm.ChatResponse{Text: `{"action":"complete","message":"thank you"}`, Usage: usage}, nil
		}
		text := c.script[c.pos]
		c.pos++
		return &llm.ChatResponse{Text: text, Usage: usage}, nil
	}
	return &llm.ChatResponse{Text: "a thoughtful reply", Usage: usage}, nil
}

func isInterviewer(req llm.ChatRequest) bool {
	return strings.Contains(req.System, "research interview")
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, model.LLMUsageEvent) error { return nil }

type memSessionStore struct {
	mu    sync.Mutex
	saves int
	last  model.SessionState
}

func (s *memSessionStore) SaveSessionState(_ context.Context, state *model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = *state
	return nil
}

func testRun(questions int, overrides func(*model.SimulationRun)) (*model.SimulationRun, []model.Question) {
	cfg := model.DefaultSimulationConfig()
	cfg.InterTurnDelay = 0
	cfg.CallTimeout = 0
	run := &model.SimulationRun{
		ID:           uuid.New(),
		CollectionID: uuid.New(),
		LaunchedBy:   uuid.New(),
		Status:       model.RunStatusPending,
		PersonaIDs:   []uuid.UUID{uuid.New()},
		Config:       cfg,
	}
	qs := make([]model.Question, questions)
	for i := range qs {
		qs[i] = model.Question{ID: uuid.New(), Text: "question"}
	}
	if overrides != nil {
		overrides(run)
	}
	return run, qs
}

func newTestDriver(run *model.SimulationRun, questions []model.Question, client llm.Client, store SessionStore) *Driver {
	logger := slog.New(slog.DiscardHandler)
	invoker := llm.NewInvoker(nopRecorder{}, logger, nil)
	state := newSessionState(run, run.PersonaIDs[0], questions)
	return NewDriver(run, state, client, invoker, store, logger)
}

func TestDriverWalksQuestionsToCompletion(t *testing.T) {
	run, questions := testRun(2, nil)
	client := &scriptClient{script: []string{
		`{"action":"continue","message":"tell me more"}`,
		`{"action":"next_question","message":""}`,
		`{"action":"continue","message":"and about this?"}`,
		`{"action":"complete","message":"that is all"}`,
	}}
	store := &memSessionStore{}
	d := newTestDriver(run, questions, client, store)

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, model.PhaseComplete, d.state.Phase)
	assert.NotNil(t, d.state.CompletedAt)
	// Two exchanges happened: each appended an interviewer and a
	// respondent utterance.
	assert.Len(t, d.state.Transcript, 4)
	assert.Positive(t, store.saves)
}

func TestDriverForceAdvancesAtTurnBudget(t *testing.T) {
	run, questions := testRun(1, func(r *model.SimulationRun) {
		r.Config.MaxTurnsPerQuestion = 2
	})
	// The interviewer never volunteers to move on.
	client := &scriptClient{script: []string{
		`{"action":"continue","message":"go on"}`,
		`{"action":"continue","message":"go on"}`,
		`{"action":"continue","message":"go on"}`,
		`{"action":"continue","message":"go on"}`,
	}}
	d := newTestDriver(run, questions, client, &memSessionStore{})

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, model.PhaseComplete, d.state.Phase)
	// Exactly the budget's worth of exchanges on the single question.
	assert.Len(t, d.state.Transcript, 4)
}

func TestDriverEntersAdditionalQuestionPhase(t *testing.T) {
	run, questions := testRun(1, func(r *model.SimulationRun) {
		r.EnableAdditionalQuestions = true
		r.EnableBarbara = true
		r.Config.MaxAQTurnsPerQuestion = 2
		r.Config.FollowupModel = "followup-model"
	})
	client := &scriptClient{script: []string{
		`{"action":"next_question","message":""}`, // exhausts the only question
		`{"action":"continue","message":"one more thing"}`,
		`{"action":"continue","message":"and another"}`,
		`{"action":"continue","message":"never stops"}`, // budget forces completion
	}}
	d := newTestDriver(run, questions, client, &memSessionStore{})

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, model.PhaseComplete, d.state.Phase)
	assert.Equal(t, 2, d.state.AQTurn)

	// AQ-phase interviewer calls used the follow-up model.
	var followupCalls int
	for _, req := range client.requests {
		if req.Model == "followup-model" {
			followupCalls++
		}
	}
	assert.Equal(t, 2, followupCalls, "one follow-up call per AQ turn before the budget hit")
}

func TestDriverGeneratesSummaryWhenEnabled(t *testing.T) {
	run, questions := testRun(1, func(r *model.SimulationRun) {
		r.EnableSummaries = true
		r.Config.SummaryModel = "summary-model"
	})
	client := &scriptClient{script: []string{
		`{"action":"complete","message":"done"}`,
	}}
	d := newTestDriver(run, questions, client, &memSessionStore{})

	require.NoError(t, d.Run(context.Background()))
	assert.NotEmpty(t, d.state.Summary)

	last := client.requests[len(client.requests)-1]
	assert.Equal(t, "summary-model", last.Model)
}

func TestDriverPersonaFailureIsFatal(t *testing.T) {
	run, questions := testRun(1, nil)
	client := &scriptClient{err: errors.New("provider exploded")}
	d := newTestDriver(run, questions, client, &memSessionStore{})

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, model.PhaseComplete, d.state.Phase)
}

func TestDriverStopsAtTurnBoundaryOnCancel(t *testing.T) {
	run, questions := testRun(1, func(r *model.SimulationRun) {
		r.Config.MaxTurnsPerQuestion = 1000
		r.Config.InterTurnDelay = time.Millisecond
	})
	d := newTestDriver(run, questions, &endlessClient{}, &memSessionStore{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// endlessClient always asks to continue.
type endlessClient struct{}

func (endlessClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if isInterviewer(req) {
		return &llm.ChatResponse{Text: `{"action":"continue","message":"go on"}`}, nil
	}
	return &llm.ChatResponse{Text: "sure"}, nil
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		action  Action
		message string
	}{
		{"plain json", `{"action":"next_question","message":"m"}`, ActionNextQuestion, "m"},
		{"fenced json", "```json\n{\"action\":\"complete\",\"message\":\"bye\"}\n```", ActionComplete, "bye"},
		{"garbage falls back to continue", "let me think about that", ActionContinue, "let me think about that"},
		{"unknown action falls back", `{"action":"interpretive_dance","message":"m"}`, ActionContinue, "m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := parseDecision(tt.text)
			assert.Equal(t, tt.action, dec.Action)
			assert.Equal(t, tt.message, dec.Message)
		})
	}
}
