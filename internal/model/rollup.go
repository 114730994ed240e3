package model

import "time"

// RollupBucket is one breakdown entry inside a UsageRollup, keyed by
// provider, model, or use case.
type RollupBucket struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Calls            int64 `json:"calls"`
}

// UsageRollup is an incrementally maintained aggregate over the usage-event
// log for one attribution scope. It is a materialized view: it must always
// equal the sum of all events for its scope, which the write path guarantees
// by updating ledger and rollup in a single transaction per event.
type UsageRollup struct {
	ScopeKey    string      `json:"scope_key"`
	Attribution Attribution `json:"attribution"`

	Totals     NormalizedTokenUsage `json:"totals"`
	TotalCalls int64                `json:"total_calls"`

	ByProvider map[string]RollupBucket `json:"by_provider"`
	ByModel    map[string]RollupBucket `json:"by_model"`
	ByUseCase  map[string]RollupBucket `json:"by_use_case"`
	ByStatus   map[string]int64        `json:"by_status"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewUsageRollup returns an empty rollup for the event's attribution scope.
func NewUsageRollup(attribution Attribution) UsageRollup {
	return UsageRollup{
		ScopeKey:    attribution.ScopeKey(),
		Attribution: attribution,
		ByProvider:  map[string]RollupBucket{},
		ByModel:     map[string]RollupBucket{},
		ByUseCase:   map[string]RollupBucket{},
		ByStatus:    map[string]int64{},
	}
}

// Apply accumulates one event into the rollup. Pure accumulation: no
// recomputation from history.
func (r *UsageRollup) Apply(event LLMUsageEvent) {
	r.Totals.Add(event.Usage)
	r.TotalCalls++

	applyBucket(r.ByProvider, string(event.Provider), event.Usage)
	applyBucket(r.ByModel, event.Model, event.Usage)
	applyBucket(r.ByUseCase, string(event.UseCase), event.Usage)
	r.ByStatus[string(event.Status)]++
	r.UpdatedAt = event.CreatedAt
}

func applyBucket(m map[string]RollupBucket, key string, usage NormalizedTokenUsage) {
	b := m[key]
	b.PromptTokens += usage.PromptTokens
	b.CompletionTokens += usage.CompletionTokens
	b.TotalTokens += usage.TotalTokens
	b.Calls++
	m[key] = b
}
