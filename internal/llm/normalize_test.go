package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
)

func TestNormalizeMissingUsage(t *testing.T) {
	tests := []struct {
		name string
		raw  *llm.RawUsage
	}{
		{"nil union", nil},
		{"empty union", &llm.RawUsage{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage, status := llm.Normalize(tt.raw)
			assert.Equal(t, model.UsageStatusMissingUsage, status)
			assert.Equal(t, model.NormalizedTokenUsage{}, usage)
		})
	}
}

func TestNormalizeOpenAI(t *testing.T) {
	usage, status := llm.Normalize(&llm.RawUsage{OpenAI: &llm.OpenAIUsage{
		PromptTokens:     120,
		CompletionTokens: 48,
		TotalTokens:      168,
		PromptTokensDetails: &llm.OpenAIPromptDetails{
			AudioTokens:  10,
			CachedTokens: 64,
		},
		CompletionTokensDetails: &llm.OpenAICompletionDetails{AudioTokens: 4},
	}})

	assert.Equal(t, model.UsageStatusSuccess, status)
	assert.Equal(t, int64(120), usage.PromptTokens)
	assert.Equal(t, int64(48), usage.CompletionTokens)
	assert.Equal(t, int64(168), usage.TotalTokens)
	assert.Equal(t, int64(10), usage.InputAudioTokens)
	assert.Equal(t, int64(4), usage.OutputAudioTokens)
	assert.Equal(t, int64(64), usage.InputCachedTokens)
}

func TestNormalizeOpenAIWithoutProviderTotal(t *testing.T) {
	usage, _ := llm.Normalize(&llm.RawUsage{OpenAI: &llm.OpenAIUsage{
		PromptTokens:     30,
		CompletionTokens: 12,
	}})
	assert.Equal(t, int64(42), usage.TotalTokens)
}

func TestNormalizeAnthropic(t *testing.T) {
	usage, status := llm.Normalize(&llm.RawUsage{Anthropic: &llm.AnthropicUsage{
		InputTokens:              200,
		OutputTokens:             80,
		CacheReadInputTokens:     150,
		CacheCreationInputTokens: 25,
	}})

	assert.Equal(t, model.UsageStatusSuccess, status)
	assert.Equal(t, int64(200), usage.PromptTokens)
	assert.Equal(t, int64(80), usage.CompletionTokens)
	assert.Equal(t, int64(280), usage.TotalTokens)
	assert.Equal(t, int64(375), usage.InputTokensTotal)
	assert.Equal(t, int64(150), usage.InputCachedTokens)
}

func TestNormalizeGemini(t *testing.T) {
	usage, status := llm.Normalize(&llm.RawUsage{Gemini: &llm.GeminiUsage{
		PromptTokenCount:        55,
		CandidatesTokenCount:    21,
		TotalTokenCount:         90, // includes thinking tokens
		CachedContentTokenCount: 16,
	}})

	assert.Equal(t, model.UsageStatusSuccess, status)
	assert.Equal(t, int64(55), usage.PromptTokens)
	assert.Equal(t, int64(21), usage.CompletionTokens)
	assert.Equal(t, int64(90), usage.TotalTokens)
	assert.Equal(t, int64(16), usage.InputCachedTokens)
}

// The normalized total must dominate both sides whenever the provider
// supplied both counts.
func TestNormalizeTotalDominatesKnownCounts(t *testing.T) {
	raws := []*llm.RawUsage{
		{OpenAI: &llm.OpenAIUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}},
		{OpenAI: &llm.OpenAIUsage{PromptTokens: 7, CompletionTokens: 3}},
		{Anthropic: &llm.AnthropicUsage{InputTokens: 9, OutputTokens: 1}},
		{Gemini: &llm.GeminiUsage{PromptTokenCount: 5, CandidatesTokenCount: 6, TotalTokenCount: 13}},
		{Gemini: &llm.GeminiUsage{PromptTokenCount: 5, CandidatesTokenCount: 6}},
	}
	for _, raw := range raws {
		usage, _ := llm.Normalize(raw)
		assert.GreaterOrEqual(t, usage.TotalTokens, usage.PromptTokens)
		assert.GreaterOrEqual(t, usage.TotalTokens, usage.CompletionTokens)
	}
}

func TestExtractUsageNilResponse(t *testing.T) {
	ex := llm.ExtractUsage(nil)
	assert.Equal(t, model.UsageStatusMissingUsage, ex.Status)
	assert.Equal(t, model.NormalizedTokenUsage{}, ex.Usage)
}

func TestExtractUsageKeepsRawDiagnostic(t *testing.T) {
	ex := llm.ExtractUsage(&llm.ChatResponse{
		RequestID: "req-1",
		Usage:     &llm.RawUsage{OpenAI: &llm.OpenAIUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}},
	})
	assert.Equal(t, model.UsageStatusSuccess, ex.Status)
	assert.Equal(t, "req-1", ex.RequestID)
	assert.Contains(t, ex.RawUsage, "openai")
}
