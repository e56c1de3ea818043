package agentloop

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/tools"
)

// scriptedModel replays a fixed sequence of stream scripts, one per call.
type scriptedModel struct {
	mu      sync.Mutex
	rounds  [][]llm.StreamEvent
	call    int
	sawTool []bool
}

func (m *scriptedModel) Classify(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	return nil, errors.New("not used")
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "", errors.New("not used")
}

func (m *scriptedModel) Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamEvent, error] {
	m.mu.Lock()
	idx := m.call
	m.call++
	m.sawTool = append(m.sawTool, len(req.Tools) > 0)
	m.mu.Unlock()

	return func(yield func(llm.StreamEvent, error) bool) {
		if idx >= len(m.rounds) {
			yield(llm.StreamEvent{}, errors.New("no script for call"))
			return
		}
		for _, ev := range m.rounds[idx] {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

var _ llm.Client = (*scriptedModel)(nil)

func newLoopStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now()
	err = st.CreateSession(context.Background(), &domain.Session{
		Token:          "conv-1",
		Mode:           domain.ModeChat,
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	return st
}

func runLoop(t *testing.T, loop *Loop, text string) []Event {
	t.Helper()
	var out []Event
	caller := tools.CallerContext{UserID: "biz-1", ConversationID: "conv-1"}
	for ev, err := range loop.Run(context.Background(), "conv-1", caller, text) {
		if err != nil {
			t.Fatalf("Unexpected loop error: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestLoop_PlainTextResponse(t *testing.T) {
	st := newLoopStore(t)
	model := &scriptedModel{rounds: [][]llm.StreamEvent{
		{
			{TextDelta: "You have "},
			{TextDelta: "three open postings."},
			{Done: true, FinishReason: "stop"},
		},
	}}
	loop := New(st, model, tools.NewRegistry(), 5)

	events := runLoop(t, loop, "how many postings do I have?")

	var text string
	sawDone := false
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			text += ev.Text
		}
		if ev.Type == EventDone {
			sawDone = true
			if ev.ConversationID != "conv-1" {
				t.Errorf("Expected conversation id on done, got %q", ev.ConversationID)
			}
		}
	}
	if text != "You have three open postings." {
		t.Errorf("Unexpected streamed text: %q", text)
	}
	if !sawDone {
		t.Error("Expected done event")
	}

	messages, err := st.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected user + assistant messages, got %d", len(messages))
	}
	if messages[1].Content != "You have three open postings." {
		t.Errorf("Expected assistant reply persisted, got %q", messages[1].Content)
	}
}

func TestLoop_ToolRoundThenAnswer(t *testing.T) {
	st := newLoopStore(t)
	model := &scriptedModel{rounds: [][]llm.StreamEvent{
		{
			// Arguments arrive as fragments for the same slot.
			{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "a1", Name: "get_status"}},
			{ToolCall: &llm.ToolCallDelta{Index: 0, ArgsFragment: `{"token":`}},
			{ToolCall: &llm.ToolCallDelta{Index: 0, ArgsFragment: `"tok-9"}`}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{
			{TextDelta: "That interview is still running."},
			{Done: true, FinishReason: "stop"},
		},
	}}

	registry := tools.NewRegistry()
	var gotArgs string
	registry.Register(llm.ToolSchema{Name: "get_status", Parameters: map[string]interface{}{"type": "object"}},
		func(ctx context.Context, arguments string, caller tools.CallerContext) (string, error) {
			gotArgs = arguments
			return `{"status":"active"}`, nil
		})

	loop := New(st, model, registry, 5)
	events := runLoop(t, loop, "check tok-9")

	if gotArgs != `{"token":"tok-9"}` {
		t.Errorf("Expected reassembled arguments, got %q", gotArgs)
	}

	var sawStart, sawDone bool
	for _, ev := range events {
		if ev.Type == EventToolStart && ev.ToolName == "get_status" {
			sawStart = true
		}
		if ev.Type == EventToolDone && ev.ToolCallID == "a1" {
			sawDone = true
		}
	}
	if !sawStart || !sawDone {
		t.Errorf("Expected tool start/done events, got %+v", events)
	}

	messages, err := st.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	// user, assistant-with-calls, tool result, final answer.
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(messages))
	}
	if len(messages[1].ToolCalls) != 1 || messages[1].ToolCalls[0].ID != "a1" {
		t.Errorf("Expected persisted tool call descriptor, got %+v", messages[1].ToolCalls)
	}
	if messages[2].Role != domain.RoleTool || messages[2].ToolCallID != "a1" {
		t.Errorf("Expected tool result keyed by a1, got %+v", messages[2])
	}
	if messages[3].Content != "That interview is still running." {
		t.Errorf("Expected final answer persisted, got %q", messages[3].Content)
	}
}

func TestLoop_ToolErrorBecomesResultContent(t *testing.T) {
	st := newLoopStore(t)
	model := &scriptedModel{rounds: [][]llm.StreamEvent{
		{
			{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "a1", Name: "broken_tool", ArgsFragment: `{}`}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{
			{TextDelta: "Sorry, the lookup failed."},
			{Done: true, FinishReason: "stop"},
		},
	}}

	registry := tools.NewRegistry()
	registry.Register(llm.ToolSchema{Name: "broken_tool", Parameters: map[string]interface{}{"type": "object"}},
		func(ctx context.Context, arguments string, caller tools.CallerContext) (string, error) {
			return "", errors.New("backend down")
		})

	loop := New(st, model, registry, 5)
	runLoop(t, loop, "try the broken tool")

	messages, err := st.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(messages))
	}
	if messages[2].Content != "Error: backend down" {
		t.Errorf("Expected error surfaced as result content, got %q", messages[2].Content)
	}
}

func TestLoop_FinalRoundHasNoTools(t *testing.T) {
	st := newLoopStore(t)
	model := &scriptedModel{rounds: [][]llm.StreamEvent{
		{
			{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "a1", Name: "noisy", ArgsFragment: `{}`}},
			{Done: true, FinishReason: "tool_calls"},
		},
		{
			{TextDelta: "Stopping here."},
			{Done: true, FinishReason: "stop"},
		},
	}}

	registry := tools.NewRegistry()
	registry.Register(llm.ToolSchema{Name: "noisy", Parameters: map[string]interface{}{"type": "object"}},
		func(ctx context.Context, arguments string, caller tools.CallerContext) (string, error) {
			return "ok", nil
		})

	// Two rounds total: the second is the forced tool-less wrap-up.
	loop := New(st, model, registry, 2)
	runLoop(t, loop, "go")

	if !model.sawTool[0] {
		t.Error("Expected first round to offer tools")
	}
	if model.sawTool[1] {
		t.Error("Expected final round to go out without tools")
	}
}
