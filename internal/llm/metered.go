package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sondeo-ai/sondeo/internal/model"
)

// ErrDeadline is the cancellation cause installed by the wrapper's per-call
// timeout. Timeout classification checks for this sentinel via context.Cause
// rather than string-matching the provider error, so a provider-side error
// that happens to mention "aborted" is never misclassified.
var ErrDeadline = errors.New("llm: invocation deadline exceeded")

// ledgerWriteTimeout bounds the best-effort usage-event write. The write uses
// a context detached from the call's own cancellation so accounting still
// lands after a timed-out call.
const ledgerWriteTimeout = 5 * time.Second

// Recorder persists one usage event. Implemented by the ledger service.
type Recorder interface {
	Record(ctx context.Context, event model.LLMUsageEvent) error
}

// FaultHandler observes ledger-write failures. The wrapper never surfaces
// those failures to its caller; tests and monitoring hook in here.
type FaultHandler func(event model.LLMUsageEvent, err error)

// InvokeParams attributes and bounds one metered call.
type InvokeParams struct {
	Attribution model.Attribution
	Provider    model.Provider
	Model       string
	UseCase     model.UseCase
	// Timeout, when positive, establishes a cancellation signal that fires
	// after it elapses. Zero means the call runs under the caller's context
	// alone.
	Timeout time.Duration
}

// Extraction is the outcome of running the usage normalizer on a call result.
type Extraction struct {
	Usage     model.NormalizedTokenUsage
	Status    model.UsageStatus
	RawUsage  map[string]any
	RequestID string
}

// Metadata reports a finished invocation's accounting back to the caller.
type Metadata struct {
	Usage     model.NormalizedTokenUsage
	Status    model.UsageStatus
	LatencyMs int64
}

// Invoker is the metered invocation wrapper. Every external model call goes
// through Invoke, which guarantees exactly one usage-event write attempt per
// call regardless of outcome.
type Invoker struct {
	ledger  Recorder
	logger  *slog.Logger
	onFault FaultHandler
}

// NewInvoker creates a wrapper writing through the given recorder. onFault
// may be nil, in which case ledger-write failures are only logged.
func NewInvoker(ledger Recorder, logger *slog.Logger, onFault FaultHandler) *Invoker {
	return &Invoker{ledger: ledger, logger: logger, onFault: onFault}
}

// Invoke executes call with an optional deadline, measures wall-clock
// latency, classifies the outcome, and writes one usage event.
//
// On success the result and its normalized usage are returned. On failure the
// original error is returned unchanged after a zero-usage event is recorded;
// the wrapper never swallows errors, it only ensures accounting happens
// first. A failure to persist the event is logged and discarded: the primary
// call's outcome is authoritative.
func Invoke[T any](ctx context.Context, iv *Invoker, p InvokeParams, call func(context.Context) (T, error), extract func(T) Extraction) (T, Metadata, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.Timeout > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, p.Timeout, ErrDeadline)
	}

	start := time.Now()
	result, err := call(callCtx)
	latencyMs := time.Since(start).Milliseconds()
	cause := context.Cause(callCtx)
	cancel()

	event := model.LLMUsageEvent{
		ID:          uuid.New(),
		Attribution: p.Attribution,
		Provider:    p.Provider,
		Model:       p.Model,
		UseCase:     p.UseCase,
		LatencyMs:   latencyMs,
		CreatedAt:   time.Now().UTC(),
	}

	if err != nil {
		event.Status = model.UsageStatusError
		if errors.Is(cause, ErrDeadline) || errors.Is(err, ErrDeadline) {
			event.Status = model.UsageStatusTimeout
		}
		event.ErrorMessage = err.Error()
		iv.record(ctx, event)

		var zero T
		return zero, Metadata{Status: event.Status, LatencyMs: latencyMs}, err
	}

	ex := extract(result)
	event.Status = ex.Status
	event.Usage = ex.Usage
	event.RawUsage = ex.RawUsage
	event.RequestID = ex.RequestID
	iv.record(ctx, event)

	return result, Metadata{Usage: ex.Usage, Status: ex.Status, LatencyMs: latencyMs}, nil
}

// Chat is the common case: a metered chat call against a provider client,
// with usage extraction delegated to the normalizer.
func (iv *Invoker) Chat(ctx context.Context, p InvokeParams, client Client, req ChatRequest) (*ChatResponse, Metadata, error) {
	return Invoke(ctx, iv, p, func(callCtx context.Context) (*ChatResponse, error) {
		return client.Chat(callCtx, req)
	}, ExtractUsage)
}

// record writes the event best-effort. The write context is detached from
// the call's cancellation: a timed-out call must still be accounted for.
func (iv *Invoker) record(ctx context.Context, event model.LLMUsageEvent) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	if err := iv.ledger.Record(writeCtx, event); err != nil {
		iv.logger.Error("llm: usage event write failed",
			"error", err,
			"provider", event.Provider,
			"model", event.Model,
			"use_case", event.UseCase,
			"status", event.Status,
		)
		if iv.onFault != nil {
			iv.onFault(event, err)
		}
	}
}
