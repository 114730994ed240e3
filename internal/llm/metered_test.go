package llm_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []model.LLMUsageEvent
	err    error
}

func (r *fakeRecorder) Record(_ context.Context, event model.LLMUsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRecorder) recorded() []model.LLMUsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.LLMUsageEvent(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testParams(timeout time.Duration) llm.InvokeParams {
	return llm.InvokeParams{
		Provider: model.ProviderOpenAI,
		Model:    "gpt-4o",
		UseCase:  model.UseCaseInterviewerTurn,
		Timeout:  timeout,
	}
}

func TestInvokeSuccessRecordsOneEvent(t *testing.T) {
	rec := &fakeRecorder{}
	iv := llm.NewInvoker(rec, discardLogger(), nil)

	result, meta, err := llm.Invoke(context.Background(), iv, testParams(0),
		func(context.Context) (string, error) { return "hello", nil },
		func(string) llm.Extraction {
			return llm.Extraction{
				Usage:  model.NormalizedTokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
				Status: model.UsageStatusSuccess,
			}
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
	assert.Equal(t, model.UsageStatusSuccess, meta.Status)
	assert.Equal(t, int64(15), meta.Usage.TotalTokens)

	events := rec.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, model.UsageStatusSuccess, events[0].Status)
	assert.Equal(t, int64(15), events[0].Usage.TotalTokens)
}

func TestInvokeMissingUsage(t *testing.T) {
	rec := &fakeRecorder{}
	iv := llm.NewInvoker(rec, discardLogger(), nil)

	_, meta, err := llm.Invoke(context.Background(), iv, testParams(0),
		func(context.Context) (*llm.ChatResponse, error) {
			return &llm.ChatResponse{Text: "ok"}, nil // no usage block
		},
		llm.ExtractUsage,
	)
	require.NoError(t, err)
	assert.Equal(t, model.UsageStatusMissingUsage, meta.Status)

	events := rec.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, model.UsageStatusMissingUsage, events[0].Status)
	assert.Zero(t, events[0].Usage.TotalTokens)
}

func TestInvokeTimeoutClassification(t *testing.T) {
	rec := &fakeRecorder{}
	iv := llm.NewInvoker(rec, discardLogger(), nil)

	_, meta, err := llm.Invoke(context.Background(), iv, testParams(10*time.Millisecond),
		func(callCtx context.Context) (string, error) {
			<-callCtx.Done()
			return "", context.Cause(callCtx)
		},
		func(string) llm.Extraction { return llm.Extraction{} },
	)
	require.Error(t, err)
	assert.Equal(t, model.UsageStatusTimeout, meta.Status)

	events := rec.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, model.UsageStatusTimeout, events[0].Status)
	assert.Zero(t, events[0].Usage.TotalTokens)
	assert.NotEmpty(t, events[0].ErrorMessage)
}

// A provider error mentioning "aborted" must not be classified as a timeout:
// classification is by cancellation cause, not message text.
func TestInvokeProviderErrorIsNotTimeout(t *testing.T) {
	rec := &fakeRecorder{}
	iv := llm.NewInvoker(rec, discardLogger(), nil)

	providerErr := errors.New("upstream aborted the stream")
	_, meta, err := llm.Invoke(context.Background(), iv, testParams(time.Minute),
		func(context.Context) (string, error) { return "", providerErr },
		func(string) llm.Extraction { return llm.Extraction{} },
	)
	require.ErrorIs(t, err, providerErr)
	assert.Equal(t, model.UsageStatusError, meta.Status)

	events := rec.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, model.UsageStatusError, events[0].Status)
}

func TestInvokeReturnsOriginalErrorWhenLedgerFails(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("ledger down")}
	var faults []error
	iv := llm.NewInvoker(rec, discardLogger(), func(_ model.LLMUsageEvent, err error) {
		faults = append(faults, err)
	})

	providerErr := errors.New("boom")
	_, _, err := llm.Invoke(context.Background(), iv, testParams(0),
		func(context.Context) (string, error) { return "", providerErr },
		func(string) llm.Extraction { return llm.Extraction{} },
	)
	require.ErrorIs(t, err, providerErr)
	require.Len(t, faults, 1)
	assert.EqualError(t, faults[0], "ledger down")
}

func TestInvokeLedgerFailureDoesNotAffectSuccess(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("ledger down")}
	faultCalled := false
	iv := llm.NewInvoker(rec, discardLogger(), func(model.LLMUsageEvent, error) {
		faultCalled = true
	})

	result, _, err := llm.Invoke(context.Background(), iv, testParams(0),
		func(context.Context) (string, error) { return "fine", nil },
		func(string) llm.Extraction { return llm.Extraction{Status: model.UsageStatusMissingUsage} },
	)
	require.NoError(t, err)
	assert.Equal(t, "fine", result)
	assert.True(t, faultCalled)
}

// Accounting must still land after the call's own deadline has fired: the
// ledger write context is detached from the call context.
func TestInvokeRecordsAfterDeadline(t *testing.T) {
	rec := &fakeRecorder{}
	iv := llm.NewInvoker(rec, discardLogger(), nil)

	_, _, err := llm.Invoke(context.Background(), iv, testParams(5*time.Millisecond),
		func(callCtx context.Context) (string, error) {
			<-callCtx.Done()
			return "", callCtx.Err()
		},
		func(string) llm.Extraction { return llm.Extraction{} },
	)
	require.Error(t, err)
	require.Len(t, rec.recorded(), 1)
}

func TestInvokeLatencyMeasured(t *testing.T) {
	rec := &fakeRecorder{}
	iv := llm.NewInvoker(rec, discardLogger(), nil)

	_, meta, err := llm.Invoke(context.Background(), iv, testParams(0),
		func(context.Context) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "", nil
		},
		func(string) llm.Extraction { return llm.Extraction{Status: model.UsageStatusMissingUsage} },
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, meta.LatencyMs, int64(20))
}
