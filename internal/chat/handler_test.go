package chat

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gigbridge/engine/internal/agentloop"
	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/tools"
)

// echoModel streams back a fixed reply, enough to drive the handler
// end to end through a real agent loop.
type echoModel struct {
	reply string
}

func (m *echoModel) Classify(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	return nil, errors.New("not used")
}

func (m *echoModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	return m.reply, nil
}

func (m *echoModel) Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		if !yield(llm.StreamEvent{TextDelta: m.reply}, nil) {
			return
		}
		yield(llm.StreamEvent{Done: true, FinishReason: "stop"}, nil)
	}
}

func newTestHandler(t *testing.T) (*chi.Mux, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	loop := agentloop.New(st, &echoModel{reply: "You have two open postings."}, tools.NewRegistry(), 3)
	r := chi.NewRouter()
	NewHandler(loop, st, 100, time.Minute).RegisterRoutes(r)
	return r, st
}

func TestHandleChat_NewConversation(t *testing.T) {
	r, st := newTestHandler(t)

	body := `{"message":"how many postings do I have?","userId":"biz-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected SSE content type, got %s", ct)
	}

	out := w.Body.String()
	if !strings.Contains(out, `"type":"delta"`) {
		t.Errorf("Expected delta events, got %q", out)
	}
	if !strings.Contains(out, `"type":"done"`) {
		t.Errorf("Expected done event, got %q", out)
	}

	// The done event names the fresh conversation; it must exist in the
	// store with the exchange persisted.
	conversationID := extractConversationID(t, out)
	sess, err := st.GetSession(context.Background(), conversationID)
	if err != nil || sess == nil {
		t.Fatalf("Expected conversation persisted, got %v / %v", sess, err)
	}
	if sess.Mode != domain.ModeChat {
		t.Errorf("Expected chat mode, got %s", sess.Mode)
	}
	messages, err := st.ListMessages(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("Expected user + assistant messages, got %d", len(messages))
	}
}

func TestHandleChat_ExistingConversation(t *testing.T) {
	r, st := newTestHandler(t)
	now := time.Now()
	err := st.CreateSession(context.Background(), &domain.Session{
		Token:          "conv-1",
		Mode:           domain.ModeChat,
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	body := `{"message":"hello again","userId":"biz-1","conversationId":"conv-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := extractConversationID(t, w.Body.String()); got != "conv-1" {
		t.Errorf("Expected conv-1, got %s", got)
	}
}

func TestHandleChat_UnknownConversation(t *testing.T) {
	r, _ := newTestHandler(t)

	body := `{"message":"hi","userId":"biz-1","conversationId":"missing"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleChat_Validation(t *testing.T) {
	r, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing message", `{"userId":"biz-1"}`},
		{"missing user", `{"message":"hi"}`},
		{"malformed", `{"message"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
		})
	}
}

func newBareHandler(t *testing.T) *Handler {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	loop := agentloop.New(st, &echoModel{reply: "ok"}, tools.NewRegistry(), 3)
	return NewHandler(loop, st, 100, time.Minute)
}

func TestConversationLock_EvictedAfterRelease(t *testing.T) {
	h := newBareHandler(t)

	lock := h.acquireConversation("conv-1")
	h.releaseConversation("conv-1", lock)

	h.mu.Lock()
	_, held := h.locks["conv-1"]
	h.mu.Unlock()
	if held {
		t.Error("Expected lock entry evicted after last release")
	}
}

func TestConversationLock_WaiterSharesEntry(t *testing.T) {
	h := newBareHandler(t)

	first := h.acquireConversation("conv-1")
	got := make(chan *conversationLock)
	go func() { got <- h.acquireConversation("conv-1") }()

	// Wait until the second request is registered as a holder before
	// releasing; eviction must not strand it on a stale entry.
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := h.locks["conv-1"].holders
		h.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for second holder")
		}
		time.Sleep(time.Millisecond)
	}
	h.releaseConversation("conv-1", first)

	second := <-got
	if second != first {
		t.Error("Expected waiter to share the lock entry")
	}
	h.releaseConversation("conv-1", second)

	h.mu.Lock()
	_, held := h.locks["conv-1"]
	h.mu.Unlock()
	if held {
		t.Error("Expected lock entry evicted after last release")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("Expected first two requests allowed")
	}
	if rl.Allow("u1") {
		t.Error("Expected third request throttled")
	}
	if !rl.Allow("u2") {
		t.Error("Expected other users unaffected")
	}
}

func extractConversationID(t *testing.T, sse string) string {
	t.Helper()
	for _, line := range strings.Split(sse, "\n") {
		data, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}
		var payload struct {
			Type           string `json:"type"`
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		if payload.Type == "done" {
			return payload.ConversationID
		}
	}
	t.Fatal("No done event with conversation id found")
	return ""
}
