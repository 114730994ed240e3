package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionPhase is the phase a simulated interview session is in.
type SessionPhase string

const (
	// PhaseQuestioning covers the scripted questions of the template.
	PhaseQuestioning SessionPhase = "questioning"
	// PhaseAdditionalQuestions is the optional follow-up phase entered
	// after the scripted questions are exhausted.
	PhaseAdditionalQuestions SessionPhase = "additional_questions"
	// PhaseComplete is terminal.
	PhaseComplete SessionPhase = "complete"
)

// SpeakerRole identifies who produced a transcript entry.
type SpeakerRole string

const (
	RoleInterviewer SpeakerRole = "interviewer"
	RoleRespondent  SpeakerRole = "respondent"
)

// Question is one scripted question from the collection's template.
type Question struct {
	ID   uuid.UUID `json:"id"`
	Text string    `json:"text"`
}

// TranscriptEntry is one utterance in a session's conversation.
type TranscriptEntry struct {
	Role    SpeakerRole `json:"role"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

// SessionState is the turn driver's checkpoint for one simulated session.
// It is saved after every turn so an interrupted simulation can be inspected
// and a paused real session can be resumed from the same shape of state.
type SessionState struct {
	SessionID    uuid.UUID `json:"session_id"`
	RunID        uuid.UUID `json:"run_id"`
	PersonaID    uuid.UUID `json:"persona_id"`
	CollectionID uuid.UUID `json:"collection_id"`

	Questions []Question `json:"questions"`

	Phase          SessionPhase `json:"phase"`
	QuestionIndex  int          `json:"question_index"`
	TurnInQuestion int          `json:"turn_in_question"`
	AQTurn         int          `json:"aq_turn"`

	Transcript []TranscriptEntry `json:"transcript"`
	Summary    string            `json:"summary,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentQuestion returns the question under discussion, or false when the
// scripted questions are exhausted.
func (s *SessionState) CurrentQuestion() (Question, bool) {
	if s.QuestionIndex < 0 || s.QuestionIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.QuestionIndex], true
}

// AppendUtterance records one utterance in the transcript.
func (s *SessionState) AppendUtterance(role SpeakerRole, content string, at time.Time) {
	s.Transcript = append(s.Transcript, TranscriptEntry{Role: role, Content: content, At: at})
}
