// Package model defines the core domain types for Sondeo's simulation
// orchestration and metered invocation subsystem.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Usage events are append-only and never mutated.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies an external language-model provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// UsageStatus classifies the outcome of one external model call.
type UsageStatus string

const (
	// UsageStatusSuccess means the call succeeded and the provider
	// returned a usage block.
	UsageStatusSuccess UsageStatus = "success"
	// UsageStatusMissingUsage means the call succeeded but the provider
	// omitted accounting data. Not an error.
	UsageStatusMissingUsage UsageStatus = "missing_usage"
	// UsageStatusTimeout means the wrapper's deadline elapsed before the
	// call completed.
	UsageStatusTimeout UsageStatus = "timeout"
	// UsageStatusError covers every other failure, including provider
	// errors and network faults.
	UsageStatusError UsageStatus = "error"
)

// UseCase is a closed enumeration of the call sites that invoke a model.
type UseCase string

const (
	UseCaseInterviewerTurn    UseCase = "interviewer_turn"
	UseCasePersonaReply       UseCase = "persona_reply"
	UseCaseAdditionalQuestion UseCase = "additional_question"
	UseCaseSessionSummary     UseCase = "session_summary"
)

// Attribution identifies which business entity an LLM call's cost belongs
// to. It is a partial path, not a full foreign-key chain: every field is
// independently nullable.
type Attribution struct {
	WorkspaceID  *uuid.UUID `json:"workspace_id,omitempty"`
	ProjectID    *uuid.UUID `json:"project_id,omitempty"`
	TemplateID   *uuid.UUID `json:"template_id,omitempty"`
	CollectionID *uuid.UUID `json:"collection_id,omitempty"`
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
}

// ScopeKey returns a stable string key for the attribution path, used to
// identify rollup buckets and to stripe per-scope locks. Absent levels are
// rendered as "-" so distinct partial paths never collide.
func (a Attribution) ScopeKey() string {
	part := func(id *uuid.UUID) string {
		if id == nil {
			return "-"
		}
		return id.String()
	}
	return part(a.WorkspaceID) + "/" + part(a.ProjectID) + "/" + part(a.TemplateID) +
		"/" + part(a.CollectionID) + "/" + part(a.SessionID)
}

// NormalizedTokenUsage is the canonical token-usage record all provider
// response shapes normalize into.
//
// Invariant: TotalTokens >= PromptTokens and TotalTokens >= CompletionTokens
// whenever the provider supplied both; when the provider gives no total,
// TotalTokens is the sum of what is known.
type NormalizedTokenUsage struct {
	PromptTokens      int64 `json:"prompt_tokens"`
	CompletionTokens  int64 `json:"completion_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
	InputAudioTokens  int64 `json:"input_audio_tokens"`
	OutputAudioTokens int64 `json:"output_audio_tokens"`

	// Extended counters for providers exposing richer breakdowns.
	InputTokensTotal  int64 `json:"input_tokens_total,omitempty"`
	OutputTokensTotal int64 `json:"output_tokens_total,omitempty"`
	InputCachedTokens int64 `json:"input_cached_tokens,omitempty"`
}

// Add accumulates other into u field by field.
func (u *NormalizedTokenUsage) Add(other NormalizedTokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.InputAudioTokens += other.InputAudioTokens
	u.OutputAudioTokens += other.OutputAudioTokens
	u.InputTokensTotal += other.InputTokensTotal
	u.OutputTokensTotal += other.OutputTokensTotal
	u.InputCachedTokens += other.InputCachedTokens
}

// LLMUsageEvent is one immutable record per external model call.
// Append-only; never mutated or deleted by this subsystem.
type LLMUsageEvent struct {
	ID          uuid.UUID   `json:"id"`
	Attribution Attribution `json:"attribution"`
	Provider    Provider    `json:"provider"`
	Model       string      `json:"model"`
	UseCase     UseCase     `json:"use_case"`
	Status      UsageStatus `json:"status"`

	Usage NormalizedTokenUsage `json:"usage"`

	// RawUsage is the provider's usage block as received, kept opaque for
	// diagnostics only. Nothing downstream parses it.
	RawUsage     map[string]any `json:"raw_usage,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	LatencyMs    int64          `json:"latency_ms"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
