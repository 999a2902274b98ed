// Package agents routes caller utterances to a fixed set of agent
// identities and builds each identity's per-turn instruction block. Routing
// is an explicit, auditable keyword table, not an ML classifier; tests pin
// the keyword -> identity mapping.
package agents

import (
	"fmt"
	"strings"

	"github.com/careline/voicegate/pkg/core/contextbuf"
)

// Identity names one of the conversational agents.
type Identity string

const (
	// AgentInfo answers general appointment-preparation questions. It is
	// also the default when no keyword set matches.
	AgentInfo Identity = "InfoAgent"
	// AgentPatientContext answers from the patient's record (diagnoses,
	// medications, test results).
	AgentPatientContext Identity = "PatientContextAgent"
	// AgentAction builds and delivers checklists (SMS/email requests).
	AgentAction Identity = "ActionAgent"
)

// DefaultIdentity is selected when no keyword set matches.
const DefaultIdentity = AgentInfo

// personas are the fixed system prompts per identity.
var personas = map[Identity]string{
	AgentInfo: "You are a helpful assistant that provides caregivers with guidance on preparing for " +
		"medical appointments. Respond with clear, friendly guidance covering medical history, medication " +
		"list, symptom log, family history, and questions for the doctor. Keep responses concise and easy to follow.",
	AgentPatientContext: "You are a clinical assistant that retrieves relevant patient context for upcoming " +
		"appointments. Provide recent diagnoses, conditions, and test results from the patient's record. " +
		"If no data is available, respond with a polite message and suggest what the caregiver might bring " +
		"manually. Do not speculate or offer medical advice.",
	AgentAction: "You are a task-oriented assistant that builds personalized checklists for caregivers " +
		"preparing for medical visits. Generate a checklist that includes symptom tracking, medication list, " +
		"family history, and questions. Offer to send the checklist via SMS or email. Keep responses " +
		"actionable and clear.",
}

// keywordSets are evaluated in order against the lower-cased input; the
// first set with a member substring wins. Action runs before patient
// context so delivery requests ("text me the list") are not captured by
// record keywords.
var keywordSets = []struct {
	identity Identity
	keywords []string
}{
	{AgentAction, []string{
		"text me", "send me", "send it", "send the", "sms", "email me",
		"remind me", "share the list", "send to my",
	}},
	{AgentPatientContext, []string{
		"ekg", "ecg", "diagnos", "test result", "lab result", "her record",
		"his record", "medical record", "her last", "his last", "blood pressure reading",
		"what medication", "current medication",
	}},
	{AgentInfo, []string{
		"bring", "prepare", "appointment", "visit", "what should i",
		"checklist", "get ready", "pack",
	}},
}

// Classify deterministically picks one agent identity for the input. Same
// input always yields the same identity; unmatched input falls back to the
// default.
func Classify(text string) Identity {
	lower := strings.ToLower(text)
	for _, set := range keywordSets {
		for _, kw := range set.keywords {
			if strings.Contains(lower, kw) {
				return set.identity
			}
		}
	}
	return DefaultIdentity
}

// Persona returns the fixed system prompt for the identity.
func Persona(id Identity) string {
	if p, ok := personas[id]; ok {
		return p
	}
	return personas[DefaultIdentity]
}

// historyExcerptTurns bounds the trailing conversation slice rendered into
// the instruction block.
const historyExcerptTurns = 3

// noHistoryPlaceholder is rendered when the conversation has no prior turns.
const noHistoryPlaceholder = "(no prior conversation)"

// BuildInstructions concatenates the identity's persona, a bounded trailing
// excerpt of history as "speaker: content" lines, and the current input. It
// is a pure function of its inputs and fully deterministic.
func BuildInstructions(id Identity, text string, history []contextbuf.Turn) string {
	var b strings.Builder
	b.WriteString(Persona(id))
	b.WriteString("\n\nRecent conversation:\n")

	start := 0
	if len(history) > historyExcerptTurns {
		start = len(history) - historyExcerptTurns
	}
	if len(history) == 0 {
		b.WriteString(noHistoryPlaceholder)
		b.WriteString("\n")
	} else {
		for _, turn := range history[start:] {
			fmt.Fprintf(&b, "%s: %s\n", turn.Speaker, turn.Content)
		}
	}

	b.WriteString("\nCaller just said: ")
	b.WriteString(text)
	b.WriteString("\n\nRespond as ")
	b.WriteString(string(id))
	b.WriteString(" in a warm, natural speaking voice suitable for a phone call.")
	return b.String()
}
