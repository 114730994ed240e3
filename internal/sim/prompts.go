package sim

import (
	"fmt"
	"strings"

	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
)

// transcriptWindow caps how many trailing utterances are replayed into a
// prompt. Older context is dropped rather than summarized; the interviewer
// only needs the recent exchange to steer the conversation.
const transcriptWindow = 20

const interviewerSystemPrompt = `You are conducting a qualitative research interview.
Decide what to do next and respond with a JSON object:
{"action": "continue" | "next_question" | "start_aq" | "complete", "message": "<what you say to the respondent>"}
Use "continue" to probe deeper on the current question, "next_question" when it is exhausted.`

const aqSystemPrompt = `You are wrapping up a qualitative research interview with follow-up questions.
Respond with a JSON object:
{"action": "continue" | "complete", "message": "<your follow-up question>"}
Use "complete" once nothing worth asking remains.`

func (d *Driver) interviewerRequest(question model.Question, useCase model.UseCase) llm.ChatRequest {
	system := interviewerSystemPrompt
	if useCase == model.UseCaseAdditionalQuestion {
		system = aqSystemPrompt
	} else if question.Text != "" {
		system += "\n\nCurrent question: " + question.Text
	}

	// From the interviewer's side, respondent utterances are the "user".
	messages := transcriptMessages(d.state.Transcript, model.RoleRespondent)
	if len(messages) == 0 {
		messages = []llm.Message{{Role: llm.RoleUser, Content: "(the respondent is ready to begin)"}}
	}

	return llm.ChatRequest{
		Model:       modelOrDefault(useCase, d),
		System:      system,
		Messages:    messages,
		Temperature: 0.4,
		User:        d.state.SessionID.String(),
	}
}

func (d *Driver) personaRequest() llm.ChatRequest {
	system := fmt.Sprintf(`You are role-playing interview respondent %s.
Answer the interviewer's questions in character, conversationally, in a few sentences.`, d.state.PersonaID)

	// From the persona's side, interviewer utterances are the "user".
	return llm.ChatRequest{
		Model:       d.cfg.PersonaModel,
		System:      system,
		Messages:    transcriptMessages(d.state.Transcript, model.RoleInterviewer),
		Temperature: 0.8,
		User:        d.state.SessionID.String(),
	}
}

func (d *Driver) summaryRequest() llm.ChatRequest {
	var b strings.Builder
	for _, entry := range d.state.Transcript {
		b.WriteString(string(entry.Role))
		b.WriteString(": ")
		b.WriteString(entry.Content)
		b.WriteString("\n")
	}
	return llm.ChatRequest{
		Model:  d.cfg.SummaryModel,
		System: "Summarize the key findings of this interview in a short paragraph.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		},
		User: d.state.SessionID.String(),
	}
}

// transcriptMessages maps the session transcript into chat messages from the
// point of view of whichever side is about to speak: utterances by userRole
// become "user" messages, the rest "assistant".
func transcriptMessages(transcript []model.TranscriptEntry, userRole model.SpeakerRole) []llm.Message {
	if len(transcript) > transcriptWindow {
		transcript = transcript[len(transcript)-transcriptWindow:]
	}
	messages := make([]llm.Message, 0, len(transcript))
	for _, entry := range transcript {
		role := llm.RoleAssistant
		if entry.Role == userRole {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: entry.Content})
	}
	return messages
}

func modelOrDefault(useCase model.UseCase, d *Driver) string {
	if useCase == model.UseCaseAdditionalQuestion && d.flags.barbara {
		return d.cfg.FollowupModel
	}
	return d.cfg.InterviewerModel
}
