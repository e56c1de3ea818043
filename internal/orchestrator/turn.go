package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/sessioncache"
)

// historyWindow caps how much transcript context each model call replays.
const historyWindow = 12

// Opening emits the session's opening utterance. Voice-enabled sessions
// get a lead-in and wait for a free-dialogue response before question 1;
// everything else gets question 1 directly. A reconnection with prior
// transcript emits nothing.
func (o *Orchestrator) Opening(ctx context.Context, token string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		lock := o.sessionLock(token)
		lock.Lock()
		defer lock.Unlock()

		entry, ok := o.cache.Get(token)
		if !ok {
			yield(Event{}, ErrSessionNotFound)
			return
		}
		if entry.Status.Terminal() {
			yield(Event{Type: EventEnded, Status: entry.Status}, nil)
			return
		}

		// The cache mirror is written synchronously when an utterance
		// finishes, so it sees an opening whose durable write is still in
		// flight. Only a rehydrated entry needs the store lookup.
		for _, msg := range entry.Messages {
			if msg.Role == domain.RoleAI {
				return // reconnection, the opening was already delivered
			}
		}
		prior, err := o.store.FindLatestByRole(ctx, token, domain.RoleAI, nil)
		if err != nil {
			yield(Event{}, fmt.Errorf("opening lookup: %w", err))
			return
		}
		if prior != nil {
			return // reconnection, the opening was already delivered
		}

		if entry.Mode == domain.ModeInquiry {
			return // inquiry sessions wait for the participant to lead
		}

		question, hasQuestion := currentQuestion(&entry)
		if !hasQuestion {
			yield(Event{}, fmt.Errorf("session %s has no questions", token))
			return
		}

		if entry.VoiceEnabled {
			req := llm.Request{
				System:   introSystemPrompt,
				Messages: []llm.ChatMessage{{Role: "user", Content: "First question: " + question.Text}},
			}
			text, ok := o.streamUtterance(ctx, yield, req)
			if !ok {
				return
			}
			o.cache.UpdateStatus(token, domain.StatusAwaitingIntroResponse)
			if err := o.store.UpdateSessionStatus(ctx, token, domain.StatusAwaitingIntroResponse); err != nil {
				slog.Warn("opening: persist status failed", "token", token, "error", err)
			}
			o.recordAIMessage(token, domain.MessageQuestion, text, &question.Index)
			return
		}

		if !emitFixedUtterance(yield, question.Text) {
			return
		}
		o.recordAIMessage(token, domain.MessageQuestion, question.Text, &question.Index)
	}
}

// ProcessTurn runs the per-turn algorithm for one participant input. The
// returned iterator yields streamed output; it holds the session's turn
// lock for its full duration, so turns for one token never overlap.
func (o *Orchestrator) ProcessTurn(ctx context.Context, token string, input Input) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		lock := o.sessionLock(token)
		lock.Lock()
		defer lock.Unlock()

		entry, ok := o.cache.Get(token)
		if !ok {
			yield(Event{}, ErrSessionNotFound)
			return
		}
		if entry.Status.Terminal() {
			yield(Event{Type: EventEnded, Status: entry.Status}, nil)
			return
		}

		// Wall-clock check comes first, unconditionally: expired sessions
		// terminate regardless of what the input contains.
		if o.timers.IsExpired(token) {
			if o.End(ctx, token, domain.StatusExpired) {
				yield(Event{Type: EventTimeExpired, Status: domain.StatusExpired}, nil)
			} else {
				yield(Event{Type: EventEnded, Status: domain.StatusExpired}, nil)
			}
			return
		}

		// Additions merge into the previous answer. This path never
		// classifies, never calls the model, and never advances the turn.
		if input.IsAddition {
			o.mergeAddition(ctx, token, &entry, input.Text, yield)
			return
		}

		o.recordParticipantMessage(ctx, token, &entry, input.Text)

		// Free dialogue after the voice lead-in: respond, then move to the
		// first question proper.
		if entry.Status == domain.StatusAwaitingIntroResponse {
			o.respondIntroReply(ctx, token, &entry, input.Text, yield)
			return
		}

		decision := o.classify(ctx, &entry, input.Text)

		if entry.Mode == domain.ModeInquiry {
			if decision.NextAction == llm.ActionEndInterview {
				o.finish(ctx, token, yield)
				return
			}
			o.respondInquiry(ctx, token, input.Text, &entry, yield)
			return
		}

		// Follow-up budget: once exhausted, an insufficient answer is
		// forced to advance so the interview always makes progress.
		action := decision.NextAction
		if action == llm.ActionAskFollowup && entry.FollowupCount >= o.maxFollowups {
			slog.Debug("follow-up budget exhausted, forcing advance",
				"token", token, "question", entry.TurnIndex)
			action = llm.ActionAdvanceQuestion
		}

		switch action {
		case llm.ActionAskFollowup:
			o.askFollowup(ctx, token, &entry, input.Text, yield)
		case llm.ActionAdvanceQuestion:
			o.advanceQuestion(ctx, token, &entry, yield)
		case llm.ActionAnswerParticipant:
			o.answerParticipant(ctx, token, &entry, input.Text, yield)
		case llm.ActionHandleMeta:
			o.handleMeta(ctx, token, &entry, yield)
		case llm.ActionEndInterview:
			o.finish(ctx, token, yield)
		default:
			slog.Warn("unknown next action, treating as meta", "token", token, "action", action)
			o.handleMeta(ctx, token, &entry, yield)
		}
	}
}

// classify runs the single classification call. A transient model failure
// degrades the turn to META handling; the session is never torn down.
func (o *Orchestrator) classify(ctx context.Context, entry *sessioncache.Entry, text string) llm.Decision {
	messages := historyMessages(entry)
	if question, ok := currentQuestion(entry); ok {
		messages = append(messages, llm.ChatMessage{
			Role:    "system",
			Content: "Current interview question: " + question.Text,
		})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: text})

	decision, err := o.model.Classify(ctx, llm.Request{
		System:   classifySystemPrompt,
		Messages: messages,
	})
	if err != nil {
		slog.Warn("turn classification failed, degrading to meta handling",
			"token", entry.Token, "error", err)
		return llm.Decision{TurnType: llm.TurnMeta, NextAction: llm.ActionHandleMeta}
	}
	return *decision
}

// mergeAddition concatenates an addition input onto the most recent
// same-role message for the current question. When no prior message
// exists, a fresh message is created instead; that fallback is documented
// behavior, not a new turn.
func (o *Orchestrator) mergeAddition(ctx context.Context, token string, entry *sessioncache.Entry, text string, yield func(Event, error) bool) {
	var questionIndex *int
	if entry.Mode == domain.ModeApplication && entry.Status == domain.StatusActive {
		idx := entry.TurnIndex
		questionIndex = &idx
	}

	prior, err := o.store.FindLatestByRole(ctx, token, domain.RoleParticipant, questionIndex)
	if err != nil {
		yield(Event{}, fmt.Errorf("addition lookup: %w", err))
		return
	}

	if prior == nil {
		slog.Warn("addition arrived with no prior answer, storing as new message",
			"token", token, "question_index", entry.TurnIndex)
		msg := &domain.Message{
			SessionToken:  token,
			Role:          domain.RoleParticipant,
			Type:          domain.MessageAnswer,
			Content:       text,
			QuestionIndex: questionIndex,
		}
		if _, err := o.store.Append(ctx, msg); err != nil {
			yield(Event{}, fmt.Errorf("addition fallback append: %w", err))
			return
		}
		o.cache.AppendMessage(token, domain.RoleParticipant, text)
		yield(Event{Type: EventMerged}, nil)
		return
	}

	merged := prior.Content + " " + text
	if err := o.store.UpdateContent(ctx, prior.ID, merged); err != nil {
		yield(Event{}, fmt.Errorf("addition merge: %w", err))
		return
	}
	o.cache.UpdateLastMessage(token, domain.RoleParticipant, merged)
	o.touchAsync(token)
	yield(Event{Type: EventMerged}, nil)
}

func (o *Orchestrator) askFollowup(ctx context.Context, token string, entry *sessioncache.Entry, answer string, yield func(Event, error) bool) {
	question, _ := currentQuestion(entry)
	req := llm.Request{
		System: followupSystemPrompt,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Interview question: " + question.Text},
			{Role: "user", Content: answer},
		},
	}
	text, ok := o.streamUtterance(ctx, yield, req)
	if !ok {
		return
	}

	o.cache.Update(token, func(e *sessioncache.Entry) {
		e.FollowupCount++
	})
	idx := entry.TurnIndex
	o.recordAIMessage(token, domain.MessageQuestion, text, &idx)
}

func (o *Orchestrator) advanceQuestion(ctx context.Context, token string, entry *sessioncache.Entry, yield func(Event, error) bool) {
	next := entry.TurnIndex + 1
	if next >= len(entry.Questions) {
		o.finish(ctx, token, yield)
		return
	}

	o.cache.Update(token, func(e *sessioncache.Entry) {
		e.TurnIndex = next
		e.FollowupCount = 0
	})
	if err := o.store.UpdateSessionProgress(ctx, token, next, entry.TotalTurns); err != nil {
		slog.Warn("persist turn progress failed", "token", token, "error", err)
	}

	question := entry.Questions[next]
	if !emitFixedUtterance(yield, question.Text) {
		return
	}
	o.recordAIMessage(token, domain.MessageQuestion, question.Text, &question.Index)
}

func (o *Orchestrator) answerParticipant(ctx context.Context, token string, entry *sessioncache.Entry, text string, yield func(Event, error) bool) {
	messages := historyMessages(entry)
	if snippets := o.snippets(ctx, text); snippets != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: "Context:\n" + snippets})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: text})

	reply, ok := o.streamUtterance(ctx, yield, llm.Request{
		System:   participantQuestionSystemPrompt,
		Messages: messages,
	})
	if !ok {
		return
	}
	o.recordAIMessage(token, domain.MessageMeta, reply, nil)
}

func (o *Orchestrator) handleMeta(ctx context.Context, token string, entry *sessioncache.Entry, yield func(Event, error) bool) {
	messages := append(historyMessages(entry), llm.ChatMessage{
		Role:    "user",
		Content: lastParticipantText(entry),
	})
	reply, ok := o.streamUtteranceWithFallback(ctx, yield, llm.Request{
		System:   metaSystemPrompt,
		Messages: messages,
	}, metaFallbackText)
	if !ok {
		return
	}
	o.recordAIMessage(token, domain.MessageMeta, reply, nil)
}

func (o *Orchestrator) respondIntroReply(ctx context.Context, token string, entry *sessioncache.Entry, text string, yield func(Event, error) bool) {
	question, hasQuestion := currentQuestion(entry)
	messages := []llm.ChatMessage{{Role: "user", Content: text}}
	if hasQuestion {
		messages = append([]llm.ChatMessage{{
			Role:    "system",
			Content: "After replying briefly, ask the first interview question: " + question.Text,
		}}, messages...)
	}

	fallback := metaFallbackText
	if hasQuestion {
		fallback = "Great, let's get started. " + question.Text
	}
	reply, ok := o.streamUtteranceWithFallback(ctx, yield, llm.Request{
		System:   metaSystemPrompt,
		Messages: messages,
	}, fallback)
	if !ok {
		return
	}

	o.cache.UpdateStatus(token, domain.StatusActive)
	if err := o.store.UpdateSessionStatus(ctx, token, domain.StatusActive); err != nil {
		slog.Warn("persist status failed", "token", token, "error", err)
	}
	var questionIndex *int
	if hasQuestion {
		questionIndex = &question.Index
	}
	o.recordAIMessage(token, domain.MessageQuestion, reply, questionIndex)
}

func (o *Orchestrator) respondInquiry(ctx context.Context, token string, text string, entry *sessioncache.Entry, yield func(Event, error) bool) {
	messages := historyMessages(entry)
	if snippets := o.snippets(ctx, text); snippets != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: "Context:\n" + snippets})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: text})

	reply, ok := o.streamUtterance(ctx, yield, llm.Request{
		System:   inquirySystemPrompt,
		Messages: messages,
	})
	if !ok {
		return
	}
	o.recordAIMessage(token, domain.MessageAnswer, reply, nil)
}

// finish ends the interview normally: a short closing utterance, then the
// single terminal transition.
func (o *Orchestrator) finish(ctx context.Context, token string, yield func(Event, error) bool) {
	if !emitFixedUtterance(yield, closingText) {
		return
	}
	o.recordAIMessage(token, domain.MessageMeta, closingText, nil)

	if o.End(ctx, token, domain.StatusCompleted) {
		yield(Event{Type: EventEnded, Status: domain.StatusCompleted}, nil)
	}
}

// streamUtterance streams one AI utterance from the model, yielding
// message-start, tokens, and message-end. Returns the accumulated text and
// whether the caller should continue.
func (o *Orchestrator) streamUtterance(ctx context.Context, yield func(Event, error) bool, req llm.Request) (string, bool) {
	if !yield(Event{Type: EventMessageStart}, nil) {
		return "", false
	}

	var sb strings.Builder
	for ev, err := range o.model.Stream(ctx, req) {
		if err != nil {
			// The already-streamed prefix stands; surface one truncated
			// streaming error and keep the session live.
			yield(Event{}, fmt.Errorf("response stream truncated: %w", err))
			return sb.String(), false
		}
		if ev.TextDelta != "" {
			sb.WriteString(ev.TextDelta)
			if !yield(Event{Type: EventToken, Text: ev.TextDelta}, nil) {
				return sb.String(), false
			}
		}
		if ev.Done {
			break
		}
	}

	if !yield(Event{Type: EventMessageEnd}, nil) {
		return sb.String(), false
	}
	return sb.String(), true
}

// streamUtteranceWithFallback is streamUtterance, except a model failure
// before any token degrades to a fixed utterance instead of an error.
func (o *Orchestrator) streamUtteranceWithFallback(ctx context.Context, yield func(Event, error) bool, req llm.Request, fallback string) (string, bool) {
	if !yield(Event{Type: EventMessageStart}, nil) {
		return "", false
	}

	var sb strings.Builder
	for ev, err := range o.model.Stream(ctx, req) {
		if err != nil {
			if sb.Len() > 0 {
				yield(Event{}, fmt.Errorf("response stream truncated: %w", err))
				return sb.String(), false
			}
			slog.Warn("model unavailable, using fallback utterance", "error", err)
			if !yield(Event{Type: EventToken, Text: fallback}, nil) {
				return fallback, false
			}
			if !yield(Event{Type: EventMessageEnd}, nil) {
				return fallback, false
			}
			return fallback, true
		}
		if ev.TextDelta != "" {
			sb.WriteString(ev.TextDelta)
			if !yield(Event{Type: EventToken, Text: ev.TextDelta}, nil) {
				return sb.String(), false
			}
		}
		if ev.Done {
			break
		}
	}

	if !yield(Event{Type: EventMessageEnd}, nil) {
		return sb.String(), false
	}
	return sb.String(), true
}

// emitFixedUtterance streams a predetermined utterance as one token.
func emitFixedUtterance(yield func(Event, error) bool, text string) bool {
	if !yield(Event{Type: EventMessageStart}, nil) {
		return false
	}
	if !yield(Event{Type: EventToken, Text: text}, nil) {
		return false
	}
	return yield(Event{Type: EventMessageEnd}, nil)
}

// recordParticipantMessage persists the participant input synchronously so
// a following addition can find it, and mirrors it in the cache.
func (o *Orchestrator) recordParticipantMessage(ctx context.Context, token string, entry *sessioncache.Entry, text string) {
	msgType := domain.MessageAnswer
	var questionIndex *int
	if entry.Status == domain.StatusAwaitingIntroResponse {
		msgType = domain.MessageMeta
	} else if entry.Mode == domain.ModeApplication {
		idx := entry.TurnIndex
		questionIndex = &idx
	}

	msg := &domain.Message{
		SessionToken:  token,
		Role:          domain.RoleParticipant,
		Type:          msgType,
		Content:       text,
		QuestionIndex: questionIndex,
	}
	if _, err := o.store.Append(ctx, msg); err != nil {
		slog.Error("participant message persistence failed", "token", token, "error", err)
	}
	o.cache.AppendMessage(token, domain.RoleParticipant, text)
	o.touchAsync(token)
}

// recordAIMessage mirrors a finished AI utterance in the cache and
// persists it in the background; persistence never gates delivery.
func (o *Orchestrator) recordAIMessage(token string, msgType domain.MessageType, content string, questionIndex *int) {
	o.cache.AppendMessage(token, domain.RoleAI, content)
	o.persistAsync(&domain.Message{
		SessionToken:  token,
		Role:          domain.RoleAI,
		Type:          msgType,
		Content:       content,
		QuestionIndex: questionIndex,
	})
}

func (o *Orchestrator) touchAsync(token string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.store.TouchSession(ctx, token, time.Now()); err != nil {
			slog.Warn("touch session failed", "token", token, "error", err)
		}
	}()
}

// snippets retrieves context for a query and formats it for the model.
func (o *Orchestrator) snippets(ctx context.Context, query string) string {
	found, err := o.retriever.Retrieve(ctx, query, o.topK)
	if err != nil {
		slog.Warn("retrieval failed, answering without context", "error", err)
		return ""
	}
	if len(found) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range found {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(s.Text)
	}
	return sb.String()
}

func currentQuestion(entry *sessioncache.Entry) (domain.Question, bool) {
	if entry.TurnIndex < 0 || entry.TurnIndex >= len(entry.Questions) {
		return domain.Question{}, false
	}
	return entry.Questions[entry.TurnIndex], true
}

// historyMessages converts the cached transcript mirror into model context.
func historyMessages(entry *sessioncache.Entry) []llm.ChatMessage {
	start := 0
	if len(entry.Messages) > historyWindow {
		start = len(entry.Messages) - historyWindow
	}
	messages := make([]llm.ChatMessage, 0, len(entry.Messages)-start)
	for _, msg := range entry.Messages[start:] {
		role := "user"
		if msg.Role == domain.RoleAI {
			role = "assistant"
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: msg.Content})
	}
	return messages
}

func lastParticipantText(entry *sessioncache.Entry) string {
	for i := len(entry.Messages) - 1; i >= 0; i-- {
		if entry.Messages[i].Role == domain.RoleParticipant {
			return entry.Messages[i].Content
		}
	}
	return ""
}
