package agentloop

import (
	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
)

// buildContext converts a persisted conversation into model context.
//
// Assistant messages that carry tool-call descriptors are replayed only
// when a matching result exists for every one of their calls; a partially
// answered set is dropped wholesale, since replaying an unanswered call
// descriptor makes the provider reject the request. Results belonging to
// a replayed set follow their assistant message immediately, in descriptor
// order. Orphaned results are dropped too.
func buildContext(history []*domain.Message) []llm.ChatMessage {
	// Index tool results by call id so lookups are order-independent.
	results := make(map[string]*domain.Message)
	for _, msg := range history {
		if msg.Role == domain.RoleTool && msg.ToolCallID != "" {
			results[msg.ToolCallID] = msg
		}
	}

	out := make([]llm.ChatMessage, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleParticipant:
			out = append(out, llm.ChatMessage{Role: "user", Content: msg.Content})

		case domain.RoleAI:
			if len(msg.ToolCalls) == 0 {
				out = append(out, llm.ChatMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			if !fullyAnswered(msg.ToolCalls, results) {
				// Keep any visible text, discard the unanswered calls.
				if msg.Content != "" {
					out = append(out, llm.ChatMessage{Role: "assistant", Content: msg.Content})
				}
				continue
			}
			out = append(out, llm.ChatMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls,
			})
			for _, call := range msg.ToolCalls {
				res := results[call.ID]
				out = append(out, llm.ChatMessage{
					Role:       "tool",
					Content:    res.Content,
					ToolCallID: call.ID,
				})
			}

		case domain.RoleTool:
			// Emitted next to its assistant message above, or orphaned.
		}
	}
	return out
}

func fullyAnswered(calls []domain.ToolCallRef, results map[string]*domain.Message) bool {
	for _, call := range calls {
		if _, ok := results[call.ID]; !ok {
			return false
		}
	}
	return true
}
