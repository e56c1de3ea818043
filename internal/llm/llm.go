// Package llm defines the narrow interface to the language-model service
// and its OpenAI-compatible implementation.
package llm

import (
	"context"
	"iter"

	"github.com/gigbridge/engine/internal/domain"
)

// TurnType is the classification of a participant input.
type TurnType string

const (
	TurnAnswer              TurnType = "ANSWER"
	TurnParticipantQuestion TurnType = "PARTICIPANT_QUESTION"
	TurnMeta                TurnType = "META"
)

// NextAction is the routing decision for a classified turn.
type NextAction string

const (
	ActionAskFollowup       NextAction = "ASK_FOLLOWUP"
	ActionAdvanceQuestion   NextAction = "ADVANCE_QUESTION"
	ActionAnswerParticipant NextAction = "ANSWER_PARTICIPANT_QUESTION"
	ActionHandleMeta        NextAction = "HANDLE_META"
	ActionEndInterview      NextAction = "END_INTERVIEW"
)

// Decision is the structured result of one classification call.
type Decision struct {
	TurnType     TurnType   `json:"turn_type"`
	IsSufficient bool       `json:"is_sufficient"`
	NextAction   NextAction `json:"next_action"`
}

// ChatMessage is one entry of replayed model context. An assistant message
// may carry tool-call descriptors; a tool message must carry the call id
// it answers.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []domain.ToolCallRef
	ToolCallID string
}

// ToolSchema describes one callable function offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Request is one chat/completion request: an ordered message array plus an
// optional tool schema.
type Request struct {
	System   string
	Messages []ChatMessage
	Tools    []ToolSchema
}

// StreamEvent is one increment of a streamed model response: a text token,
// a tool-call argument fragment keyed by slot index, or the finish marker.
type StreamEvent struct {
	TextDelta    string
	ToolCall     *ToolCallDelta
	Done         bool
	FinishReason string
}

// ToolCallDelta is one tool-call fragment. Fragments for the same slot
// index arrive piecemeal and must be concatenated in arrival order.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
}

// Client is the language-model collaborator. Implementations are expected
// to be safe for concurrent use by independent sessions.
type Client interface {
	// Classify runs one structured-decision call over a turn.
	Classify(ctx context.Context, req Request) (*Decision, error)

	// Complete returns a single non-streamed completion.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream yields response increments until the finish marker or an
	// error. The iterator respects early termination by the consumer.
	Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error]
}
