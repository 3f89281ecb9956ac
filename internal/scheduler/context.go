package scheduler

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/common/llm"
	"github.com/parleyhq/parley/internal/model"
)

// buildTurnRequest maps the stored transcript into the active agent's point of
// view: its own prior messages become assistant turns, everything else becomes
// user turns attributed by speaker name.
func buildTurnRequest(conv *model.Conversation, participants []model.Participant, transcript []model.Message, active model.Participant) llm.Request {
	namesByAgent := make(map[int64]string, len(participants))
	var roster []string
	for _, p := range participants {
		namesByAgent[p.AgentID] = p.AgentName
		roster = append(roster, p.AgentName)
	}

	messages := []llm.Message{{
		Role:    "system",
		Content: turnSystemPrompt(conv, roster, active),
	}}

	for _, m := range transcript {
		if m.CompletedAt == nil || m.Content == "" {
			continue
		}

		switch m.Role {
		case model.MessageRoleAgent:
			if m.AgentID != nil && *m.AgentID == active.AgentID {
				messages = append(messages, llm.Message{Role: "assistant", Content: m.Content})
				continue
			}
			name := "Agent"
			if m.AgentID != nil {
				if n, ok := namesByAgent[*m.AgentID]; ok {
					name = n
				}
			}
			messages = append(messages, llm.Message{Role: "user", Name: name, Content: m.Content})
		case model.MessageRoleSystem:
			messages = append(messages, llm.Message{Role: "user", Name: "Moderator", Content: m.Content})
		case model.MessageRoleUser:
			messages = append(messages, llm.Message{Role: "user", Name: "User", Content: m.Content})
		case model.MessageRoleSynthesizer:
			messages = append(messages, llm.Message{Role: "user", Name: "Synthesizer", Content: m.Content})
		}
	}

	return llm.Request{Messages: messages}
}

func turnSystemPrompt(conv *model.Conversation, roster []string, active model.Participant) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, one of %d participants in a structured conversation.\n\n", active.AgentName, len(roster))
	if active.Persona != "" {
		fmt.Fprintf(&b, "Your persona:\n%s\n\n", active.Persona)
	}
	fmt.Fprintf(&b, "Topic: %s\n", conv.Topic)
	fmt.Fprintf(&b, "Participants, in speaking order: %s\n\n", strings.Join(roster, ", "))

	switch conv.Mode {
	case model.ModeDebate:
		b.WriteString("This is a debate. Argue your position clearly and respond directly to points the other participants have made.")
		if conv.TotalRounds != nil {
			fmt.Fprintf(&b, " The debate runs %d rounds; this is round %d.", *conv.TotalRounds, conv.CurrentRound)
		}
	case model.ModeCollaborate:
		b.WriteString("This is a collaboration. Work toward a shared answer, building on what the other participants have said.")
	}
	b.WriteString("\n\nSpeak only as yourself. Do not write for the other participants. Keep your reply focused.")

	return b.String()
}
