package domain

import (
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleAI          Role = "ai"
	RoleParticipant Role = "participant"
	RoleTool        Role = "tool"
)

// MessageType categorizes transcript messages.
type MessageType string

const (
	MessageQuestion   MessageType = "question"
	MessageAnswer     MessageType = "answer"
	MessageMeta       MessageType = "meta"
	MessageToolResult MessageType = "tool-result"
)

// ToolCallRef is the descriptor of one tool call carried on an AI message.
// The call id correlates the descriptor to its eventual tool-result message.
type ToolCallRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a session transcript. Timestamps are monotonic
// per session; the store clamps them on append.
type Message struct {
	ID            int64         `json:"id"`
	SessionToken  string        `json:"session_token"`
	Role          Role          `json:"role"`
	Type          MessageType   `json:"type"`
	Content       string        `json:"content"`
	QuestionIndex *int          `json:"question_index,omitempty"`
	ToolCallID    string        `json:"tool_call_id,omitempty"`
	ToolCalls     []ToolCallRef `json:"tool_calls,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
