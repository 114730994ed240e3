package sondeo

import (
	"time"

	"github.com/google/uuid"
)

// Public types are standalone structs with no internal imports, so embedding
// consumers never depend on internal packages. Conversion helpers live in
// sondeo.go, the only file that sees both sides of the boundary.

// Question is one scripted interview question.
type Question struct {
	ID   uuid.UUID `json:"id"`
	Text string    `json:"text"`
}

// LaunchParams describes a simulation run to launch.
type LaunchParams struct {
	CollectionID uuid.UUID
	LaunchedBy   uuid.UUID
	PersonaIDs   []uuid.UUID
	Questions    []Question

	EnableBarbara             bool
	EnableSummaries           bool
	EnableAdditionalQuestions bool

	// Zero-valued fields fall back to the client's defaults.
	InterviewerModel         string
	PersonaModel             string
	MaxTurnsPerQuestion      int
	MaxConcurrentSimulations int
	CallTimeout              time.Duration
}

// Run is a point-in-time summary of a simulation run.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	CollectionID uuid.UUID  `json:"collection_id"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Session is a point-in-time summary of one simulated interview session.
type Session struct {
	SessionID   uuid.UUID  `json:"session_id"`
	RunID       uuid.UUID  `json:"run_id"`
	PersonaID   uuid.UUID  `json:"persona_id"`
	Phase       string     `json:"phase"`
	Utterances  int        `json:"utterances"`
	Summary     string     `json:"summary,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UsageSummary aggregates metered token usage for one attribution scope.
type UsageSummary struct {
	ScopeKey         string           `json:"scope_key"`
	TotalCalls       int64            `json:"total_calls"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	CallsByProvider  map[string]int64 `json:"calls_by_provider"`
	CallsByStatus    map[string]int64 `json:"calls_by_status"`
}

// UsageScope selects a rollup by attribution path. Nil fields mean "absent
// at that level", matching how usage was attributed when recorded.
type UsageScope struct {
	WorkspaceID  *uuid.UUID
	ProjectID    *uuid.UUID
	TemplateID   *uuid.UUID
	CollectionID *uuid.UUID
	SessionID    *uuid.UUID
}

// ResumeToken is a freshly issued resume credential. Token is shown exactly
// once; only its hash is stored.
type ResumeToken struct {
	Token     string    `json:"token"`
	SessionID uuid.UUID `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionGrant is the result of redeeming a resume token: a short-lived
// signed claim for the session.
type SessionGrant struct {
	SessionID uuid.UUID `json:"session_id"`
	JWT       string    `json:"jwt"`
}
