package queue

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// JobType discriminates the closed set of job kinds. Parsing and dispatch
// match exhaustively on it; an unknown type is a parse error, not a fallthrough.
type JobType string

const (
	JobStartConversation   JobType = "start_conversation"
	JobNextTurn            JobType = "next_turn"
	JobProcessInterjection JobType = "process_interjection"
	JobForceAgreementPhase JobType = "force_agreement_phase"
	JobResumeConversation  JobType = "resume_conversation"
)

// Job is one unit of work for a conversation. Type-specific fields are only
// meaningful for their kind: InitialPrompt for start_conversation, Content
// for process_interjection, Phase for force_agreement_phase.
type Job struct {
	Type           JobType
	ConversationID int64
	InitialPrompt  string
	Content        string
	Phase          int
	TraceID        string
	Attempt        int
}

// Message is a Job as delivered from the stream, with its delivery metadata.
type Message struct {
	ID  string
	Job Job
	Raw redis.XMessage
}

// ParseMessage decodes and validates a stream entry into a Message.
// Validation is per job kind so a malformed entry is rejected at the edge
// rather than surfacing as a nil-field panic in a handler.
func ParseMessage(msg redis.XMessage) (Message, error) {
	jobType := JobType(stringValue(msg.Values, "type"))
	if jobType == "" {
		return Message{}, fmt.Errorf("missing job type")
	}

	conversationID, err := int64Value(msg.Values, "conversation_id")
	if err != nil {
		return Message{}, err
	}
	if conversationID == 0 {
		return Message{}, fmt.Errorf("missing conversation_id")
	}

	attempt, err := intValue(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	job := Job{
		Type:           jobType,
		ConversationID: conversationID,
		TraceID:        stringValue(msg.Values, "trace_id"),
		Attempt:        attempt,
	}

	switch jobType {
	case JobStartConversation:
		job.InitialPrompt = stringValue(msg.Values, "initial_prompt")
		if job.InitialPrompt == "" {
			return Message{}, fmt.Errorf("missing initial_prompt")
		}
	case JobProcessInterjection:
		job.Content = stringValue(msg.Values, "content")
		if job.Content == "" {
			return Message{}, fmt.Errorf("missing content")
		}
	case JobForceAgreementPhase:
		phase, err := intValue(msg.Values, "phase")
		if err != nil {
			return Message{}, err
		}
		job.Phase = phase
	case JobNextTurn, JobResumeConversation:
		// No extra fields.
	default:
		return Message{}, fmt.Errorf("unknown job type %q", jobType)
	}

	return Message{ID: msg.ID, Job: job, Raw: msg}, nil
}

func jobValues(job Job, attempt int) map[string]any {
	values := map[string]any{
		"type":            string(job.Type),
		"conversation_id": job.ConversationID,
		"attempt":         attempt,
	}

	switch job.Type {
	case JobStartConversation:
		values["initial_prompt"] = job.InitialPrompt
	case JobProcessInterjection:
		values["content"] = job.Content
	case JobForceAgreementPhase:
		values["phase"] = job.Phase
	case JobNextTurn, JobResumeConversation:
	}

	if job.TraceID != "" {
		values["trace_id"] = job.TraceID
	}

	return values
}

func stringValue(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func int64Value(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func intValue(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}
