package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a simulation run.
// Transitions are monotonic: pending → running → {completed, failed,
// cancelled}. A run never regresses once it leaves running.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// SimulationConfig is the immutable per-run configuration. Defaults exist
// but every run may override any field.
type SimulationConfig struct {
	InterviewerModel string   `json:"interviewer_model"`
	PersonaModel     string   `json:"persona_model"`
	FollowupModel    string   `json:"followup_model"` // AQ-phase interviewer, used when EnableBarbara is set
	SummaryModel     string   `json:"summary_model"`
	Provider         Provider `json:"provider"`

	MaxTurnsPerQuestion      int           `json:"max_turns_per_question"`
	MaxAQTurnsPerQuestion    int           `json:"max_aq_turns_per_question"`
	MaxConcurrentSimulations int           `json:"max_concurrent_simulations"`
	InterTurnDelay           time.Duration `json:"inter_turn_delay_ms"`
	CallTimeout              time.Duration `json:"call_timeout_ms"`
}

// DefaultSimulationConfig returns the baseline configuration applied when a
// run does not override a field.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		InterviewerModel:         "gpt-4o",
		PersonaModel:             "gpt-4o-mini",
		FollowupModel:            "gpt-4o",
		SummaryModel:             "gpt-4o-mini",
		Provider:                 ProviderOpenAI,
		MaxTurnsPerQuestion:      6,
		MaxAQTurnsPerQuestion:    4,
		MaxConcurrentSimulations: 3,
		InterTurnDelay:           500 * time.Millisecond,
		CallTimeout:              90 * time.Second,
	}
}

// RunProgress is the free-form structured snapshot surfaced to callers
// while a run executes.
type RunProgress struct {
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Personas  map[string]string `json:"personas"` // persona id → pending|running|completed|failed
	UpdatedAt time.Time         `json:"updated_at"`
}

// SimulationRun identifies one batch execution of persona interviews
// against a collection.
//
// Invariant: CompletedSimulations + FailedSimulations <= TotalSimulations.
// Mutated only by the simulation scheduler; terminal once status leaves
// running. CompletedAt is set exactly once, on the transition out of running.
type SimulationRun struct {
	ID           uuid.UUID `json:"id"`
	CollectionID uuid.UUID `json:"collection_id"`
	LaunchedBy   uuid.UUID `json:"launched_by"`
	Status       RunStatus `json:"status"`

	// PersonaIDs is an ordered set; uniqueness is not required.
	PersonaIDs []uuid.UUID `json:"persona_ids"`

	// Questions is a launch-time snapshot of the collection's template, so
	// editing the template mid-run never changes an executing interview.
	Questions []Question `json:"questions"`

	EnableBarbara             bool `json:"enable_barbara"`
	EnableSummaries           bool `json:"enable_summaries"`
	EnableAdditionalQuestions bool `json:"enable_additional_questions"`

	TotalSimulations     int    `json:"total_simulations"`
	CompletedSimulations int    `json:"completed_simulations"`
	FailedSimulations    int    `json:"failed_simulations"`
	ErrorMessage         string `json:"error_message,omitempty"`

	Config   SimulationConfig `json:"config"`
	Progress RunProgress      `json:"progress"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
