// Package sim drives batches of synthetic persona interviews: a scheduler
// that bounds concurrency per run, and a per-session turn driver that walks
// the conversation protocol one exchange at a time.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
)

// Action is what the interviewer decides to do next with a session.
type Action string

const (
	ActionContinue     Action = "continue"
	ActionNextQuestion Action = "next_question"
	ActionStartAQ      Action = "start_aq"
	ActionComplete     Action = "complete"
)

// decision is the interviewer model's parsed output for one turn.
type decision struct {
	Action  Action `json:"action"`
	Message string `json:"message"`
}

// SessionStore checkpoints session state between turns.
type SessionStore interface {
	SaveSessionState(ctx context.Context, state *model.SessionState) error
}

// runFlags are the per-run feature switches the driver honors.
type runFlags struct {
	barbara             bool
	summaries           bool
	additionalQuestions bool
}

// Driver runs one persona's interview session to completion. Turns are
// strictly sequential: no two model calls for the same session overlap.
type Driver struct {
	cfg     model.SimulationConfig
	flags   runFlags
	state   *model.SessionState
	client  llm.Client
	invoker *llm.Invoker
	store   SessionStore
	logger  *slog.Logger

	attribution model.Attribution
}

// NewDriver creates a driver for one session. The attribution carries the
// session and collection identity into every usage event.
func NewDriver(run *model.SimulationRun, state *model.SessionState, client llm.Client, invoker *llm.Invoker, store SessionStore, logger *slog.Logger) *Driver {
	sessionID := state.SessionID
	collectionID := state.CollectionID
	return &Driver{
		cfg: run.Config,
		flags: runFlags{
			barbara:             run.EnableBarbara,
			summaries:           run.EnableSummaries,
			additionalQuestions: run.EnableAdditionalQuestions,
		},
		state:   state,
		client:  client,
		invoker: invoker,
		store:   store,
		logger:  logger,
		attribution: model.Attribution{
			CollectionID: &collectionID,
			SessionID:    &sessionID,
		},
	}
}

// Run executes the session until it completes or a model call fails.
// Cancellation is cooperative: ctx is checked at turn boundaries, never used
// to preempt an in-flight call (the wrapper's own timeout bounds those).
func (d *Driver) Run(ctx context.Context) error {
	for turn := 0; ; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if turn > 0 {
			if err := d.pace(ctx); err != nil {
				return err
			}
		}

		done, err := d.step(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// pace observes the inter-turn delay, aborting early on cancellation.
func (d *Driver) pace(ctx context.Context) error {
	if d.cfg.InterTurnDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(d.cfg.InterTurnDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// step executes one turn and checkpoints the session afterwards.
func (d *Driver) step(ctx context.Context) (bool, error) {
	var done bool
	var err error
	switch d.state.Phase {
	case model.PhaseQuestioning:
		done, err = d.questionTurn(ctx)
	case model.PhaseAdditionalQuestions:
		done, err = d.aqTurn(ctx)
	case model.PhaseComplete:
		return true, nil
	default:
		return false, fmt.Errorf("sim: session %s in unknown phase %q", d.state.SessionID, d.state.Phase)
	}
	if err != nil {
		return false, err
	}

	if saveErr := d.store.SaveSessionState(ctx, d.state); saveErr != nil {
		return false, fmt.Errorf("sim: checkpoint session %s: %w", d.state.SessionID, saveErr)
	}
	return done, nil
}

func (d *Driver) questionTurn(ctx context.Context) (bool, error) {
	question, ok := d.state.CurrentQuestion()
	if !ok {
		return d.leaveQuestioning(ctx)
	}

	// The turn bound forces advancement regardless of conversational
	// content, so a chatty model can never loop on one question.
	if d.state.TurnInQuestion >= d.cfg.MaxTurnsPerQuestion {
		d.logger.Debug("sim: question turn budget exhausted, advancing",
			"session", d.state.SessionID, "question", question.ID)
		d.advanceQuestion()
		return false, nil
	}

	dec, err := d.interviewerDecision(ctx, question, model.UseCaseInterviewerTurn, d.cfg.InterviewerModel)
	if err != nil {
		return false, err
	}

	switch dec.Action {
	case ActionNextQuestion:
		d.advanceQuestion()
		return false, nil
	case ActionStartAQ:
		return d.leaveQuestioning(ctx)
	case ActionComplete:
		return true, d.complete(ctx)
	default: // continue
		if err := d.exchange(ctx, dec.Message, model.UseCasePersonaReply); err != nil {
			return false, err
		}
		d.state.TurnInQuestion++
		return false, nil
	}
}

func (d *Driver) aqTurn(ctx context.Context) (bool, error) {
	if d.state.AQTurn >= d.cfg.MaxAQTurnsPerQuestion {
		return true, d.complete(ctx)
	}

	aqModel := d.cfg.InterviewerModel
	if d.flags.barbara {
		aqModel = d.cfg.FollowupModel
	}
	dec, err := d.interviewerDecision(ctx, model.Question{}, model.UseCaseAdditionalQuestion, aqModel)
	if err != nil {
		return false, err
	}

	if dec.Action != ActionContinue {
		return true, d.complete(ctx)
	}
	if err := d.exchange(ctx, dec.Message, model.UseCasePersonaReply); err != nil {
		return false, err
	}
	d.state.AQTurn++
	return false, nil
}

// advanceQuestion moves to the next scripted question.
func (d *Driver) advanceQuestion() {
	d.state.QuestionIndex++
	d.state.TurnInQuestion = 0
}

// leaveQuestioning transitions past the scripted questions: into the
// additional-question phase when enabled and budgeted, else to completion.
func (d *Driver) leaveQuestioning(ctx context.Context) (bool, error) {
	if d.flags.additionalQuestions && d.cfg.MaxAQTurnsPerQuestion > 0 {
		d.state.Phase = model.PhaseAdditionalQuestions
		d.state.AQTurn = 0
		return false, nil
	}
	return true, d.complete(ctx)
}

// complete finishes the session, generating a closing summary when enabled.
func (d *Driver) complete(ctx context.Context) error {
	if d.flags.summaries && d.state.Summary == "" {
		resp, _, err := d.invoker.Chat(ctx, d.params(model.UseCaseSessionSummary, d.cfg.SummaryModel),
			d.client, d.summaryRequest())
		if err != nil {
			return fmt.Errorf("sim: session summary: %w", err)
		}
		d.state.Summary = resp.Text
	}

	now := time.Now().UTC()
	d.state.Phase = model.PhaseComplete
	d.state.CompletedAt = &now
	return nil
}

// interviewerDecision runs one metered interviewer call and parses its
// action.
func (d *Driver) interviewerDecision(ctx context.Context, question model.Question, useCase model.UseCase, modelName string) (decision, error) {
	resp, _, err := d.invoker.Chat(ctx, d.params(useCase, modelName), d.client, d.interviewerRequest(question, useCase))
	if err != nil {
		return decision{}, fmt.Errorf("sim: interviewer call: %w", err)
	}
	return parseDecision(resp.Text), nil
}

// exchange appends the interviewer's utterance and runs one metered persona
// reply.
func (d *Driver) exchange(ctx context.Context, interviewerMessage string, useCase model.UseCase) error {
	now := time.Now().UTC()
	d.state.AppendUtterance(model.RoleInterviewer, interviewerMessage, now)

	resp, _, err := d.invoker.Chat(ctx, d.params(useCase, d.cfg.PersonaModel), d.client, d.personaRequest())
	if err != nil {
		return fmt.Errorf("sim: persona call: %w", err)
	}
	d.state.AppendUtterance(model.RoleRespondent, resp.Text, time.Now().UTC())
	return nil
}

func (d *Driver) params(useCase model.UseCase, modelName string) llm.InvokeParams {
	return llm.InvokeParams{
		Attribution: d.attribution,
		Provider:    d.cfg.Provider,
		Model:       modelName,
		UseCase:     useCase,
		Timeout:     d.cfg.CallTimeout,
	}
}

// parseDecision reads the interviewer's JSON directive leniently: fenced
// code blocks are stripped, anything unparseable or unknown falls back to
// continue so a malformed reply degrades into one more exchange instead of
// an error.
func parseDecision(text string) decision {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var dec decision
	if err := json.Unmarshal([]byte(trimmed), &dec); err != nil {
		return decision{Action: ActionContinue, Message: text}
	}
	switch dec.Action {
	case ActionContinue, ActionNextQuestion, ActionStartAQ, ActionComplete:
	default:
		dec.Action = ActionContinue
	}
	if dec.Message == "" {
		dec.Message = text
	}
	return dec
}
