package consensus

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/model"
)

func agentSystemPrompt(conv *model.Conversation, p model.Participant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a participant in a collaboration on the topic: %s\n", p.AgentName, conv.Topic)
	if p.Persona != "" {
		fmt.Fprintf(&b, "\nYour persona:\n%s\n", p.Persona)
	}
	b.WriteString("\nThe group is now working toward a final, binding agreement.")
	return b.String()
}

func synthesizerSystemPrompt(conv *model.Conversation) string {
	return fmt.Sprintf(
		"You are a neutral synthesizer for a collaboration on the topic: %s\n\n"+
			"You do not take sides. Your job is to produce one concrete plan that satisfies every participant's stated requirements.",
		conv.Topic)
}

func collectPrompt(conv *model.Conversation) string {
	return fmt.Sprintf(
		"The group must now reach a final agreement on: %s\n\n"+
			"State your non-negotiable requirements, the conditions any final plan MUST satisfy for you to accept it. "+
			"Reply with a numbered list of %d to %d items, one requirement per line, nothing else.",
		conv.Topic, minNonNegotiables, maxNonNegotiables)
}

func synthesisPrompt(state *model.AgreementState, participants []model.Participant) string {
	var b strings.Builder

	b.WriteString("Each participant has stated their non-negotiable requirements:\n\n")
	writeNonNegotiables(&b, state, participants)

	if len(state.History) > 0 {
		last := state.History[len(state.History)-1]
		b.WriteString("\nYour previous draft was rejected:\n\n")
		b.WriteString(last.Synthesis)
		b.WriteString("\n\nRejection reasons:\n")
		writeReasons(&b, last.RejectionReasons, participants)
		b.WriteString("\nRedraft the plan to address every rejection reason while still satisfying all requirements above.")
	} else {
		b.WriteString("\nDraft one concrete plan that satisfies every requirement above.")
	}

	b.WriteString(" Reply with the plan only.")
	return b.String()
}

func votePrompt(state *model.AgreementState, p model.Participant) string {
	var b strings.Builder

	b.WriteString("The synthesizer proposes this plan:\n\n")
	b.WriteString(*state.CurrentSynthesis)
	b.WriteString("\n\nYour stated requirements were:\n")
	for _, item := range state.NonNegotiables[p.AgentID] {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	b.WriteString("\nDoes this plan satisfy all of your requirements?\n")
	b.WriteString("Reply with exactly one line \"VOTE: APPROVE\" or \"VOTE: REJECT\".\n")
	b.WriteString("If you reject, add a second line \"REASON: <what the plan must change>\".")
	return b.String()
}

func forcedResolutionPrompt(state *model.AgreementState, participants []model.Participant) string {
	var b strings.Builder

	b.WriteString("The group could not reach unanimous agreement within the allowed attempts.\n\n")
	b.WriteString("Stated requirements:\n\n")
	writeNonNegotiables(&b, state, participants)

	if len(state.History) > 0 {
		last := state.History[len(state.History)-1]
		b.WriteString("\nThe final rejected draft:\n\n")
		b.WriteString(last.Synthesis)
		b.WriteString("\n\nOutstanding objections:\n")
		writeReasons(&b, last.RejectionReasons, participants)
	}

	b.WriteString("\nProduce a final compromise plan. Satisfy as many requirements as possible, and explicitly note which objections remain unresolved. Reply with the plan only.")
	return b.String()
}

func writeNonNegotiables(b *strings.Builder, state *model.AgreementState, participants []model.Participant) {
	for _, p := range participants {
		fmt.Fprintf(b, "%s:\n", p.AgentName)
		items := state.NonNegotiables[p.AgentID]
		if len(items) == 0 {
			b.WriteString("- (none stated)\n")
		}
		for _, item := range items {
			fmt.Fprintf(b, "- %s\n", item)
		}
		b.WriteString("\n")
	}
}

func writeReasons(b *strings.Builder, reasons map[int64]string, participants []model.Participant) {
	for _, p := range participants {
		if reason, ok := reasons[p.AgentID]; ok {
			fmt.Fprintf(b, "- %s: %s\n", p.AgentName, reason)
		}
	}
}
