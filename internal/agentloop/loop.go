// Package agentloop runs the tool-using operations agent: a bounded
// stream-execute-persist cycle over one chat conversation.
package agentloop

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/tools"
)

const chatSystemPrompt = `You are the operations assistant for a marketplace that connects businesses with contractors. You help business users manage their job postings, review applicants, and check on interview progress. Use the available tools to look up or change real data; never invent records. Be concise and concrete. If a tool reports an error, tell the user plainly what failed and suggest what to try instead.`

// EventType discriminates agent stream events.
type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventToolStart EventType = "tool-start"
	EventToolDone  EventType = "tool-done"
	EventDone      EventType = "done"
)

// Event is one increment of an agent run.
type Event struct {
	Type           EventType
	Text           string
	ToolName       string
	ToolCallID     string
	ConversationID string
}

// Loop drives model rounds for chat conversations. Safe for concurrent
// use across distinct conversations; callers serialize per conversation.
type Loop struct {
	store     store.Store
	model     llm.Client
	tools     tools.Executor
	maxRounds int
}

// New creates a Loop. maxRounds bounds how many model rounds a single
// user message may trigger; the final round is issued without tools so
// the run always ends in prose.
func New(st store.Store, model llm.Client, executor tools.Executor, maxRounds int) *Loop {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &Loop{store: st, model: model, tools: executor, maxRounds: maxRounds}
}

// Run processes one user message for a conversation and yields the
// agent's streamed response. Each assistant message with tool calls is
// persisted before any call executes, and every result is persisted as
// soon as it is produced, so a crash mid-round leaves a replayable
// transcript.
func (l *Loop) Run(ctx context.Context, conversationID string, caller tools.CallerContext, userText string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		userMsg := &domain.Message{
			SessionToken: conversationID,
			Role:         domain.RoleParticipant,
			Type:         domain.MessageAnswer,
			Content:      userText,
		}
		if _, err := l.store.Append(ctx, userMsg); err != nil {
			yield(Event{}, fmt.Errorf("persist user message: %w", err))
			return
		}

		history, err := l.store.ListMessages(ctx, conversationID)
		if err != nil {
			yield(Event{}, fmt.Errorf("load conversation: %w", err))
			return
		}

		for round := 0; round < l.maxRounds; round++ {
			req := llm.Request{
				System:   chatSystemPrompt,
				Messages: buildContext(history),
			}
			// The last permitted round goes out without tools to force a
			// textual wrap-up instead of another call.
			if round < l.maxRounds-1 {
				req.Tools = l.tools.Schemas()
			}

			text, calls, ok := l.streamRound(ctx, yield, req)
			if !ok {
				return
			}

			if len(calls) == 0 {
				final := &domain.Message{
					SessionToken: conversationID,
					Role:         domain.RoleAI,
					Type:         domain.MessageAnswer,
					Content:      text,
				}
				if _, err := l.store.Append(ctx, final); err != nil {
					slog.Error("persist agent reply failed",
						"conversation", conversationID, "error", err)
				}
				yield(Event{Type: EventDone, ConversationID: conversationID}, nil)
				return
			}

			assistant := &domain.Message{
				SessionToken: conversationID,
				Role:         domain.RoleAI,
				Type:         domain.MessageAnswer,
				Content:      text,
				ToolCalls:    calls,
			}
			if _, err := l.store.Append(ctx, assistant); err != nil {
				yield(Event{}, fmt.Errorf("persist tool-call message: %w", err))
				return
			}
			history = append(history, assistant)

			for _, call := range calls {
				if !yield(Event{Type: EventToolStart, ToolName: call.Name, ToolCallID: call.ID}, nil) {
					return
				}
				result, err := l.tools.Execute(ctx, call.Name, call.Arguments, caller)
				if err != nil {
					slog.Warn("tool execution failed",
						"conversation", conversationID, "tool", call.Name, "error", err)
					result = "Error: " + err.Error()
				}
				toolMsg := &domain.Message{
					SessionToken: conversationID,
					Role:         domain.RoleTool,
					Type:         domain.MessageToolResult,
					Content:      result,
					ToolCallID:   call.ID,
				}
				if _, err := l.store.Append(ctx, toolMsg); err != nil {
					yield(Event{}, fmt.Errorf("persist tool result: %w", err))
					return
				}
				history = append(history, toolMsg)
				if !yield(Event{Type: EventToolDone, ToolName: call.Name, ToolCallID: call.ID}, nil) {
					return
				}
			}
		}

		// Unreachable in practice: the tool-less final round cannot emit
		// calls, so it returns through the len(calls)==0 branch above.
		yield(Event{}, fmt.Errorf("agent exceeded %d rounds", l.maxRounds))
	}
}

// streamRound streams one model round, forwarding text deltas and
// accumulating tool-call fragments into complete descriptors.
func (l *Loop) streamRound(ctx context.Context, yield func(Event, error) bool, req llm.Request) (string, []domain.ToolCallRef, bool) {
	var sb strings.Builder
	pending := make(map[int]*domain.ToolCallRef)

	for ev, err := range l.model.Stream(ctx, req) {
		if err != nil {
			yield(Event{}, fmt.Errorf("model stream: %w", err))
			return "", nil, false
		}
		if ev.TextDelta != "" {
			sb.WriteString(ev.TextDelta)
			if !yield(Event{Type: EventTextDelta, Text: ev.TextDelta}, nil) {
				return "", nil, false
			}
		}
		if tc := ev.ToolCall; tc != nil {
			ref, ok := pending[tc.Index]
			if !ok {
				ref = &domain.ToolCallRef{}
				pending[tc.Index] = ref
			}
			if tc.ID != "" {
				ref.ID = tc.ID
			}
			if tc.Name != "" {
				ref.Name = tc.Name
			}
			ref.Arguments += tc.ArgsFragment
		}
		if ev.Done {
			break
		}
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]domain.ToolCallRef, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, *pending[i])
	}
	return sb.String(), calls, true
}
