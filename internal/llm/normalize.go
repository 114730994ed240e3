package llm

import (
	"github.com/sondeo-ai/sondeo/internal/model"
)

// Normalize converts a provider's raw usage block into the canonical token
// usage record plus a status classification. An absent usage block yields an
// all-zero usage with status missing_usage; Normalize never fails and never
// fabricates counts.
//
// Each supported provider has its own pure mapping function below. Adding a
// provider means adding one function and one branch here, not touching any
// caller.
func Normalize(raw *RawUsage) (model.NormalizedTokenUsage, model.UsageStatus) {
	if raw == nil {
		return model.NormalizedTokenUsage{}, model.UsageStatusMissingUsage
	}
	switch {
	case raw.OpenAI != nil:
		return NormalizeOpenAI(raw.OpenAI), model.UsageStatusSuccess
	case raw.Anthropic != nil:
		return NormalizeAnthropic(raw.Anthropic), model.UsageStatusSuccess
	case raw.Gemini != nil:
		return NormalizeGemini(raw.Gemini), model.UsageStatusSuccess
	}
	return model.NormalizedTokenUsage{}, model.UsageStatusMissingUsage
}

// NormalizeOpenAI maps an OpenAI-compatible usage block. OpenAI supplies its
// own total; it is taken as-is.
func NormalizeOpenAI(u *OpenAIUsage) model.NormalizedTokenUsage {
	out := model.NormalizedTokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if d := u.PromptTokensDetails; d != nil {
		out.InputAudioTokens = d.AudioTokens
		out.InputCachedTokens = d.CachedTokens
	}
	if d := u.CompletionTokensDetails; d != nil {
		out.OutputAudioTokens = d.AudioTokens
	}
	return out
}

// NormalizeAnthropic maps an Anthropic usage block. Anthropic reports no
// total, so the total is the sum of what is known. input_tokens excludes
// cached reads, hence the separate extended counters.
func NormalizeAnthropic(u *AnthropicUsage) model.NormalizedTokenUsage {
	return model.NormalizedTokenUsage{
		PromptTokens:      u.InputTokens,
		CompletionTokens:  u.OutputTokens,
		TotalTokens:       u.InputTokens + u.OutputTokens,
		InputTokensTotal:  u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		OutputTokensTotal: u.OutputTokens,
		InputCachedTokens: u.CacheReadInputTokens,
	}
}

// NormalizeGemini maps Gemini usage metadata. Gemini supplies its own total,
// which already includes thinking tokens and can exceed prompt+candidates.
func NormalizeGemini(u *GeminiUsage) model.NormalizedTokenUsage {
	out := model.NormalizedTokenUsage{
		PromptTokens:      int64(u.PromptTokenCount),
		CompletionTokens:  int64(u.CandidatesTokenCount),
		TotalTokens:       int64(u.TotalTokenCount),
		InputCachedTokens: int64(u.CachedContentTokenCount),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// ExtractUsage runs the normalizer over a chat response and packages the
// result for the metered invocation wrapper.
func ExtractUsage(resp *ChatResponse) Extraction {
	if resp == nil {
		return Extraction{Status: model.UsageStatusMissingUsage}
	}
	usage, status := Normalize(resp.Usage)
	return Extraction{
		Usage:     usage,
		Status:    status,
		RawUsage:  rawDiagnostic(resp.Usage),
		RequestID: resp.RequestID,
	}
}

// rawDiagnostic preserves the provider usage block as an opaque payload for
// the event log. Diagnostics only; nothing parses it downstream.
func rawDiagnostic(raw *RawUsage) map[string]any {
	if raw == nil {
		return nil
	}
	switch {
	case raw.OpenAI != nil:
		return map[string]any{"openai": raw.OpenAI}
	case raw.Anthropic != nil:
		return map[string]any{"anthropic": raw.Anthropic}
	case raw.Gemini != nil:
		return map[string]any{"gemini": raw.Gemini}
	}
	return nil
}
