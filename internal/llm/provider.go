// Package llm wraps external language-model providers behind a common chat
// interface, normalizes their usage accounting into one canonical shape, and
// meters every call through the usage ledger.
package llm

import (
	"context"
)

// Role of a chat message, in provider wire terms.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a chat request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	// User is an opaque end-user identifier forwarded to providers that
	// accept one (OpenAI "user", Anthropic metadata.user_id). Sondeo sets
	// it to the session ID for provider-side abuse attribution.
	User string `json:"user,omitempty"`
}

// RawUsage is the tagged union over supported provider usage shapes. Exactly
// one branch is set when the provider returned accounting data; all branches
// nil means the provider omitted it. Nothing outside the normalizer inspects
// the branches.
type RawUsage struct {
	OpenAI    *OpenAIUsage
	Anthropic *AnthropicUsage
	Gemini    *GeminiUsage
}

// OpenAIUsage mirrors the usage block of an OpenAI-compatible chat
// completions response.
type OpenAIUsage struct {
	PromptTokens            int64                    `json:"prompt_tokens"`
	CompletionTokens        int64                    `json:"completion_tokens"`
	TotalTokens             int64                    `json:"total_tokens"`
	PromptTokensDetails     *OpenAIPromptDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *OpenAICompletionDetails `json:"completion_tokens_details,omitempty"`
}

// OpenAIPromptDetails breaks down prompt tokens.
type OpenAIPromptDetails struct {
	AudioTokens  int64 `json:"audio_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// OpenAICompletionDetails breaks down completion tokens.
type OpenAICompletionDetails struct {
	AudioTokens int64 `json:"audio_tokens"`
}

// AnthropicUsage mirrors the usage block of an Anthropic messages response.
// Anthropic reports no grand total; input_tokens excludes cache reads.
type AnthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// GeminiUsage mirrors the usage metadata of a Gemini generateContent
// response.
type GeminiUsage struct {
	PromptTokenCount        int32 `json:"promptTokenCount"`
	CandidatesTokenCount    int32 `json:"candidatesTokenCount"`
	TotalTokenCount         int32 `json:"totalTokenCount"`
	CachedContentTokenCount int32 `json:"cachedContentTokenCount"`
}

// ChatResponse is the provider-agnostic result of a chat call. Usage stays
// provider-shaped until the normalizer maps it.
type ChatResponse struct {
	Text      string
	RequestID string
	Usage     *RawUsage
}

// Client executes one chat exchange against a provider. Implementations must
// observe ctx cancellation and abort in-flight work when it fires.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
