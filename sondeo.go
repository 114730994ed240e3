// Package sondeo is the public API for embedding the simulation and
// metering subsystem.
//
// Consumers construct a Client, launch simulation runs against it, and
// query metered usage:
//
//	client, err := sondeo.New(ctx,
//	    sondeo.WithSQLitePath("sondeo.db"),
//	    sondeo.WithOpenAI("", os.Getenv("OPENAI_API_KEY")),
//	    sondeo.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer client.Close()
//
//	runID, err := client.LaunchSimulation(ctx, params)
//	err = client.ExecuteRun(ctx, runID)
//
// The import graph enforces a strict no-cycle rule: sondeo (root) imports
// internal/*, but internal/* never imports sondeo (root). Public types
// (Run, UsageSummary, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package sondeo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sondeo-ai/sondeo/internal/ledger"
	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
	"github.com/sondeo-ai/sondeo/internal/resume"
	"github.com/sondeo-ai/sondeo/internal/sim"
	"github.com/sondeo-ai/sondeo/internal/storage"
)

// Client is the embedded subsystem. Construct with New(); Client has no
// public fields.
type Client struct {
	store      storage.Store
	closeStore func()
	ledger     *ledger.Service
	scheduler  *sim.Scheduler
	issuer     *resume.ClaimsIssuer
	logger     *slog.Logger
	tokenTTL   time.Duration
}

// New builds a Client from options. At least one store (WithDatabaseURL or
// WithSQLitePath) and one provider (WithOpenAI, WithAnthropic, WithGemini)
// must be configured.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	o := resolvedOptions{
		logger:         slog.Default(),
		resumeTokenTTL: resume.DefaultTTL,
		sessionJWTTTL:  time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}

	store, closeStore, err := openStore(ctx, o)
	if err != nil {
		return nil, err
	}

	client, err := newChatClient(ctx, o)
	if err != nil {
		closeStore()
		return nil, err
	}

	usageLedger := ledger.New(store, o.logger)
	var onFault llm.FaultHandler
	if o.onLedgerFault != nil {
		fn := o.onLedgerFault
		onFault = func(event model.LLMUsageEvent, err error) {
			fn(event.Attribution.ScopeKey(), err)
		}
	}
	invoker := llm.NewInvoker(usageLedger, o.logger, onFault)

	issuer, err := resume.NewClaimsIssuer(o.signingPriv, o.signingPub, o.sessionJWTTTL)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("sondeo: claims issuer: %w", err)
	}

	return &Client{
		store:      store,
		closeStore: closeStore,
		ledger:     usageLedger,
		scheduler:  sim.New(store, client, invoker, o.logger),
		issuer:     issuer,
		logger:     o.logger,
		tokenTTL:   o.resumeTokenTTL,
	}, nil
}

// Close releases the underlying store.
func (c *Client) Close() {
	c.closeStore()
}

// LaunchSimulation records a new pending run and returns its ID. The run
// does not execute until ExecuteRun (or an external worker) picks it up.
func (c *Client) LaunchSimulation(ctx context.Context, params LaunchParams) (uuid.UUID, error) {
	if len(params.PersonaIDs) == 0 {
		return uuid.Nil, fmt.Errorf("sondeo: launch: at least one persona is required")
	}
	if len(params.Questions) == 0 {
		return uuid.Nil, fmt.Errorf("sondeo: launch: at least one question is required")
	}

	cfg := model.DefaultSimulationConfig()
	if params.InterviewerModel != "" {
		cfg.InterviewerModel = params.InterviewerModel
	}
	if params.PersonaModel != "" {
		cfg.PersonaModel = params.PersonaModel
	}
	if params.MaxTurnsPerQuestion > 0 {
		cfg.MaxTurnsPerQuestion = params.MaxTurnsPerQuestion
	}
	if params.MaxConcurrentSimulations > 0 {
		cfg.MaxConcurrentSimulations = params.MaxConcurrentSimulations
	}
	if params.CallTimeout > 0 {
		cfg.CallTimeout = params.CallTimeout
	}

	questions := make([]model.Question, len(params.Questions))
	for i, q := range params.Questions {
		questions[i] = model.Question{ID: q.ID, Text: q.Text}
	}

	run := &model.SimulationRun{
		ID:                        uuid.New(),
		CollectionID:              params.CollectionID,
		LaunchedBy:                params.LaunchedBy,
		Status:                    model.RunStatusPending,
		PersonaIDs:                params.PersonaIDs,
		Questions:                 questions,
		EnableBarbara:             params.EnableBarbara,
		EnableSummaries:           params.EnableSummaries,
		EnableAdditionalQuestions: params.EnableAdditionalQuestions,
		Config:                    cfg,
		CreatedAt:                 time.Now().UTC(),
	}
	if err := c.store.CreateSimulationRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("sondeo: launch: %w", err)
	}
	return run.ID, nil
}

// ExecuteRun drives a pending run to a terminal status. It blocks until the
// run finishes; cancel the context (or call CancelRun) to stop early at the
// next turn boundary.
func (c *Client) ExecuteRun(ctx context.Context, runID uuid.UUID) error {
	run, err := c.store.LoadSimulationRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("sondeo: execute: %w", err)
	}
	return c.scheduler.Execute(ctx, run, run.Questions)
}

// CancelRun signals a running run to stop. Reports whether the run was
// executing in this process.
func (c *Client) CancelRun(runID uuid.UUID) bool {
	return c.scheduler.Cancel(runID)
}

// GetRun returns a point-in-time summary of a run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	run, err := c.store.LoadSimulationRun(ctx, runID)
	if err != nil {
		return Run{}, fmt.Errorf("sondeo: get run: %w", err)
	}
	return Run{
		ID:           run.ID,
		CollectionID: run.CollectionID,
		Status:       string(run.Status),
		Total:        run.TotalSimulations,
		Completed:    run.CompletedSimulations,
		Failed:       run.FailedSimulations,
		ErrorMessage: run.ErrorMessage,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}, nil
}

// Sessions returns summaries of a run's interview sessions, oldest first.
func (c *Client) Sessions(ctx context.Context, runID uuid.UUID) ([]Session, error) {
	states, err := c.store.ListSessionsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("sondeo: sessions: %w", err)
	}
	sessions := make([]Session, len(states))
	for i, state := range states {
		sessions[i] = Session{
			SessionID:   state.SessionID,
			RunID:       state.RunID,
			PersonaID:   state.PersonaID,
			Phase:       string(state.Phase),
			Utterances:  len(state.Transcript),
			Summary:     state.Summary,
			StartedAt:   state.StartedAt,
			CompletedAt: state.CompletedAt,
		}
	}
	return sessions, nil
}

// IssueResumeToken mints a resume token for a session. The returned
// plaintext is shown exactly once; only its hash is stored.
func (c *Client) IssueResumeToken(ctx context.Context, sessionID uuid.UUID) (ResumeToken, error) {
	token, err := resume.Issue(ctx, c.store, sessionID, c.tokenTTL)
	if err != nil {
		return ResumeToken{}, fmt.Errorf("sondeo: issue resume token: %w", err)
	}
	return ResumeToken{
		Token:     token,
		SessionID: sessionID,
		ExpiresAt: resume.ExpiryDate(c.tokenTTL),
	}, nil
}

// RedeemResumeToken exchanges a valid token for a short-lived session
// grant, consuming the token. Invalid, expired, and already-consumed
// tokens all fail.
func (c *Client) RedeemResumeToken(ctx context.Context, token string) (SessionGrant, error) {
	signed, claims, err := resume.Redeem(ctx, c.store, c.issuer, token)
	if err != nil {
		return SessionGrant{}, fmt.Errorf("sondeo: redeem resume token: %w", err)
	}
	return SessionGrant{SessionID: claims.SessionID, JWT: signed}, nil
}

// Usage returns the accumulated rollup for a scope. A scope that never
// recorded usage returns a zero summary.
func (c *Client) Usage(ctx context.Context, scope UsageScope) (UsageSummary, error) {
	attr := model.Attribution{
		WorkspaceID:  scope.WorkspaceID,
		ProjectID:    scope.ProjectID,
		TemplateID:   scope.TemplateID,
		CollectionID: scope.CollectionID,
		SessionID:    scope.SessionID,
	}
	key := attr.ScopeKey()
	rollup, err := c.store.GetUsageRollup(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return UsageSummary{ScopeKey: key}, nil
		}
		return UsageSummary{}, fmt.Errorf("sondeo: usage: %w", err)
	}

	summary := UsageSummary{
		ScopeKey:         rollup.ScopeKey,
		TotalCalls:       rollup.TotalCalls,
		PromptTokens:     rollup.Totals.PromptTokens,
		CompletionTokens: rollup.Totals.CompletionTokens,
		TotalTokens:      rollup.Totals.TotalTokens,
		CallsByProvider:  map[string]int64{},
		CallsByStatus:    map[string]int64{},
	}
	for provider, bucket := range rollup.ByProvider {
		summary.CallsByProvider[provider] = bucket.Calls
	}
	for status, n := range rollup.ByStatus {
		summary.CallsByStatus[status] = n
	}
	return summary, nil
}

func openStore(ctx context.Context, o resolvedOptions) (storage.Store, func(), error) {
	if o.databaseURL != "" {
		db, err := storage.New(ctx, o.databaseURL, o.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sondeo: %w", err)
		}
		return db, db.Close, nil
	}
	if o.sqlitePath != "" {
		db, err := storage.OpenSQLite(o.sqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sondeo: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("sondeo: a store is required (WithDatabaseURL or WithSQLitePath)")
}

func newChatClient(ctx context.Context, o resolvedOptions) (llm.Client, error) {
	switch o.provider {
	case "openai":
		return llm.NewOpenAIClient(o.openAIBase, o.openAIKey), nil
	case "anthropic":
		return llm.NewAnthropicClient("", o.anthropicKey), nil
	case "gemini":
		return llm.NewGeminiClient(ctx, o.geminiKey)
	default:
		return nil, fmt.Errorf("sondeo: a provider is required (WithOpenAI, WithAnthropic, or WithGemini)")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
