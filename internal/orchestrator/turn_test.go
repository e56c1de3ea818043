package orchestrator

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/sessioncache"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/timer"
)

// fakeModel scripts classification decisions and streamed replies.
type fakeModel struct {
	decision      llm.Decision
	classifyErr   error
	classifyCalls atomic.Int64
	streamText    string
	streamErr     error
}

func (f *fakeModel) Classify(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	f.classifyCalls.Add(1)
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	d := f.decision
	return &d, nil
}

func (f *fakeModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f.streamText, nil
}

func (f *fakeModel) Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		if f.streamErr != nil {
			yield(llm.StreamEvent{}, f.streamErr)
			return
		}
		if !yield(llm.StreamEvent{TextDelta: f.streamText}, nil) {
			return
		}
		yield(llm.StreamEvent{Done: true, FinishReason: "stop"}, nil)
	}
}

var _ llm.Client = (*fakeModel)(nil)

type testEnv struct {
	orch   *Orchestrator
	cache  *sessioncache.Cache
	store  *store.SQLiteStore
	timers *timer.Service
	model  *fakeModel
}

func newTestEnv(t *testing.T, maxFollowups int) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cache := sessioncache.New(time.Hour)
	t.Cleanup(cache.Close)

	timers := timer.NewService(time.Minute)
	t.Cleanup(timers.Close)

	model := &fakeModel{streamText: "Thanks, tell me more."}
	return &testEnv{
		orch:   New(cache, st, timers, model, nil, maxFollowups, 3),
		cache:  cache,
		store:  st,
		timers: timers,
		model:  model,
	}
}

func (e *testEnv) createSession(t *testing.T, token string, mode domain.Mode, questions []string) {
	t.Helper()
	qs := make([]domain.Question, len(questions))
	for i, text := range questions {
		qs[i] = domain.Question{Index: i, Text: text}
	}
	now := time.Now()
	err := e.store.CreateSession(context.Background(), &domain.Session{
		Token:          token,
		Mode:           mode,
		Status:         domain.StatusActive,
		Questions:      qs,
		TotalTurns:     len(qs),
		Duration:       30 * time.Minute,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if _, err := e.orch.Attach(context.Background(), token); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
}

// collect drains an event iterator, failing the test on iterator errors.
func collect(t *testing.T, events iter.Seq2[Event, error]) []Event {
	t.Helper()
	var out []Event
	for ev, err := range events {
		if err != nil {
			t.Fatalf("Unexpected turn error: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func fullText(events []Event) string {
	var s string
	for _, ev := range events {
		if ev.Type == EventToken {
			s += ev.Text
		}
	}
	return s
}

// waitForMessages polls until the transcript reaches n messages, since AI
// utterances persist in the background.
func waitForMessages(t *testing.T, st *store.SQLiteStore, token string, n int) []*domain.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		messages, err := st.ListMessages(context.Background(), token)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(messages) >= n {
			return messages
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d messages", n)
	return nil
}

func TestProcessTurn_AdvanceOnSufficientAnswer(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?", "Question two?"})
	env.model.decision = llm.Decision{TurnType: llm.TurnAnswer, IsSufficient: true, NextAction: llm.ActionAdvanceQuestion}

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "A complete answer."}))

	if got := fullText(events); got != "Question two?" {
		t.Errorf("Expected next fixed question, got %q", got)
	}
	entry, _ := env.cache.Get("tok")
	if entry.TurnIndex != 1 {
		t.Errorf("Expected turn index 1, got %d", entry.TurnIndex)
	}
	sess, _ := env.store.GetSession(context.Background(), "tok")
	if sess.TurnIndex != 1 {
		t.Errorf("Expected persisted turn index 1, got %d", sess.TurnIndex)
	}
}

func TestProcessTurn_FollowupBudgetForcesAdvance(t *testing.T) {
	env := newTestEnv(t, 1)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?", "Question two?"})
	env.model.decision = llm.Decision{TurnType: llm.TurnAnswer, NextAction: llm.ActionAskFollowup}
	env.model.streamText = "Could you expand on that?"

	// First insufficient answer spends the single follow-up.
	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "Brief."}))
	if got := fullText(events); got != "Could you expand on that?" {
		t.Errorf("Expected follow-up stream, got %q", got)
	}
	entry, _ := env.cache.Get("tok")
	if entry.FollowupCount != 1 {
		t.Errorf("Expected follow-up count 1, got %d", entry.FollowupCount)
	}
	if entry.TurnIndex != 0 {
		t.Errorf("Expected no advance yet, got turn %d", entry.TurnIndex)
	}

	// Budget exhausted: the same decision now advances.
	events = collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "Still brief."}))
	if got := fullText(events); got != "Question two?" {
		t.Errorf("Expected forced advance to question two, got %q", got)
	}
	entry, _ = env.cache.Get("tok")
	if entry.TurnIndex != 1 {
		t.Errorf("Expected turn index 1 after forced advance, got %d", entry.TurnIndex)
	}
	if entry.FollowupCount != 0 {
		t.Errorf("Expected follow-up count reset, got %d", entry.FollowupCount)
	}
}

func TestProcessTurn_AdditionMergesWithoutClassifying(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?", "Question two?"})
	env.model.decision = llm.Decision{TurnType: llm.TurnAnswer, NextAction: llm.ActionAskFollowup}

	collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "I worked two summers"}))
	classifiesBefore := env.model.classifyCalls.Load()

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "at a plumbing company", IsAddition: true}))

	if !hasEvent(events, EventMerged) {
		t.Errorf("Expected merged event, got %v", eventTypes(events))
	}
	if hasEvent(events, EventMessageStart) {
		t.Error("Expected no AI utterance for an addition")
	}
	if got := env.model.classifyCalls.Load(); got != classifiesBefore {
		t.Errorf("Expected no classification for addition, got %d extra calls", got-classifiesBefore)
	}

	latest, err := env.store.FindLatestByRole(context.Background(), "tok", domain.RoleParticipant, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if latest.Content != "I worked two summers at a plumbing company" {
		t.Errorf("Expected merged content, got %q", latest.Content)
	}

	entry, _ := env.cache.Get("tok")
	if entry.TurnIndex != 0 {
		t.Errorf("Expected addition not to advance, got turn %d", entry.TurnIndex)
	}
}

func TestProcessTurn_AdditionWithoutPriorFallsBack(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "orphan addition", IsAddition: true}))

	if !hasEvent(events, EventMerged) {
		t.Errorf("Expected merged event for fallback, got %v", eventTypes(events))
	}
	latest, err := env.store.FindLatestByRole(context.Background(), "tok", domain.RoleParticipant, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if latest == nil || latest.Content != "orphan addition" {
		t.Errorf("Expected fallback message stored, got %+v", latest)
	}
}

func TestProcessTurn_ClassificationFailureDegradesToMeta(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?", "Question two?"})
	env.model.classifyErr = errors.New("model unavailable")
	env.model.streamText = "Take your time."

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "um, hold on"}))

	if got := fullText(events); got != "Take your time." {
		t.Errorf("Expected meta response, got %q", got)
	}
	entry, _ := env.cache.Get("tok")
	if entry.TurnIndex != 0 {
		t.Errorf("Expected no advance on degraded turn, got %d", entry.TurnIndex)
	}
	if entry.Status != domain.StatusActive {
		t.Errorf("Expected session still active, got %s", entry.Status)
	}
}

func TestProcessTurn_CompletesAfterLastQuestion(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Only question?"})
	env.model.decision = llm.Decision{TurnType: llm.TurnAnswer, IsSufficient: true, NextAction: llm.ActionAdvanceQuestion}

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "Full answer."}))

	if !hasEvent(events, EventEnded) {
		t.Fatalf("Expected ended event, got %v", eventTypes(events))
	}
	if fullText(events) == "" {
		t.Error("Expected closing utterance before ending")
	}
	entry, _ := env.cache.Get("tok")
	if entry.Status != domain.StatusCompleted {
		t.Errorf("Expected completed status, got %s", entry.Status)
	}
	sess, _ := env.store.GetSession(context.Background(), "tok")
	if sess.Status != domain.StatusCompleted {
		t.Errorf("Expected persisted completed status, got %s", sess.Status)
	}
}

func TestProcessTurn_ExpiredSessionTerminates(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})
	// Anchor the timer in the past so the wall-clock check trips.
	env.timers.Start("tok", time.Now().Add(-time.Hour), 30*time.Minute, nil, nil)

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "late answer"}))
	if !hasEvent(events, EventTimeExpired) {
		t.Fatalf("Expected time-expired event, got %v", eventTypes(events))
	}

	entry, _ := env.cache.Get("tok")
	if entry.Status != domain.StatusExpired {
		t.Errorf("Expected expired status, got %s", entry.Status)
	}

	// A second late input sees the terminal state, not a second expiry.
	events = collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "another"}))
	if hasEvent(events, EventTimeExpired) {
		t.Errorf("Expected no duplicate expiry notification, got %v", eventTypes(events))
	}
	if !hasEvent(events, EventEnded) {
		t.Errorf("Expected ended event, got %v", eventTypes(events))
	}
}

func TestEnd_Idempotent(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})

	if !env.orch.End(context.Background(), "tok", domain.StatusCompleted) {
		t.Fatal("Expected first end to transition")
	}
	if env.orch.End(context.Background(), "tok", domain.StatusAbandoned) {
		t.Error("Expected second end to report no transition")
	}

	sess, _ := env.store.GetSession(context.Background(), "tok")
	if sess.Status != domain.StatusCompleted {
		t.Errorf("Expected first terminal status to win, got %s", sess.Status)
	}
}

func TestEnd_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})
	// Drop the cache entry so both callers race on the durable record,
	// as when a timer expiry and a disconnect collide after cache TTL.
	env.cache.Delete("tok")

	results := make([]bool, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = env.orch.End(context.Background(), "tok", domain.StatusExpired)
	}()
	go func() {
		defer wg.Done()
		results[1] = env.orch.End(context.Background(), "tok", domain.StatusAbandoned)
	}()
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("Expected exactly one terminal transition, got %d (results=%v)", wins, results)
	}

	sess, _ := env.store.GetSession(context.Background(), "tok")
	want := domain.StatusAbandoned
	if results[0] {
		want = domain.StatusExpired
	}
	if sess.Status != want {
		t.Errorf("Expected winner's status %s, got %s", want, sess.Status)
	}
}

func TestEnd_ReleasesTurnLock(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})
	env.orch.sessionLock("tok")

	env.orch.End(context.Background(), "tok", domain.StatusCompleted)

	env.orch.mu.Lock()
	_, held := env.orch.locks["tok"]
	env.orch.mu.Unlock()
	if held {
		t.Error("Expected turn lock dropped after terminal transition")
	}
}

func TestAttach_NotFound(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.orch.Attach(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestAttach_EndedSession(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Q?"})
	env.orch.End(context.Background(), "tok", domain.StatusCompleted)

	_, err := env.orch.Attach(context.Background(), "tok")
	if !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
}

func TestAttach_MarksStartOnce(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Q?"})

	sess, err := env.store.GetSession(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.StartedAt.IsZero() {
		t.Fatal("Expected start recorded on first attach")
	}
	first := sess.StartedAt

	// Drop the cache entry and attach again; the start must not move.
	env.cache.Delete("tok")
	if _, err := env.orch.Attach(context.Background(), "tok"); err != nil {
		t.Fatalf("Reattach failed: %v", err)
	}
	sess, _ = env.store.GetSession(context.Background(), "tok")
	if !sess.StartedAt.Equal(first) {
		t.Errorf("Expected start %v to survive reattach, got %v", first, sess.StartedAt)
	}
}

func TestOpening_TextModeEmitsFirstQuestion(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})

	events := collect(t, env.orch.Opening(context.Background(), "tok"))
	if got := fullText(events); got != "Question one?" {
		t.Errorf("Expected first question, got %q", got)
	}

	// Once the opening is persisted, a reconnect emits nothing.
	waitForMessages(t, env.store, "tok", 1)
	events = collect(t, env.orch.Opening(context.Background(), "tok"))
	if len(events) != 0 {
		t.Errorf("Expected silent reconnect, got %v", eventTypes(events))
	}
}

func TestOpening_ReconnectBeforePersistence(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeApplication, []string{"Question one?"})

	collect(t, env.orch.Opening(context.Background(), "tok"))

	// The durable write of the opening may still be in flight; the cache
	// mirror alone must suppress the repeat.
	events := collect(t, env.orch.Opening(context.Background(), "tok"))
	if len(events) != 0 {
		t.Errorf("Expected silent reconnect, got %v", eventTypes(events))
	}
}

func TestProcessTurn_InquiryMode(t *testing.T) {
	env := newTestEnv(t, 2)
	env.createSession(t, "tok", domain.ModeInquiry, nil)
	env.model.decision = llm.Decision{TurnType: llm.TurnParticipantQuestion, NextAction: llm.ActionAnswerParticipant}
	env.model.streamText = "We typically pay within two weeks."

	events := collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "When do you pay?"}))
	if got := fullText(events); got != "We typically pay within two weeks." {
		t.Errorf("Expected inquiry answer, got %q", got)
	}

	env.model.decision = llm.Decision{TurnType: llm.TurnMeta, NextAction: llm.ActionEndInterview}
	events = collect(t, env.orch.ProcessTurn(context.Background(), "tok", Input{Text: "that's all, thanks"}))
	if !hasEvent(events, EventEnded) {
		t.Errorf("Expected inquiry to end, got %v", eventTypes(events))
	}
}

func TestProcessTurn_UnknownSession(t *testing.T) {
	env := newTestEnv(t, 2)
	var gotErr error
	for _, err := range env.orch.ProcessTurn(context.Background(), "missing", Input{Text: "hello"}) {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", gotErr)
	}
}
