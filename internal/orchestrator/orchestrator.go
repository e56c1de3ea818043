// Package orchestrator implements the interview turn state machine. It
// classifies each participant input, routes it through the per-turn
// algorithm, and owns the idempotent termination path shared by explicit
// end, timer expiry, and disconnect.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/retrieval"
	"github.com/gigbridge/engine/internal/sessioncache"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/timer"
)

// Sentinel errors surfaced to the transport.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
)

const persistTimeout = 5 * time.Second

// Input is one participant utterance handed to the state machine.
type Input struct {
	Text       string
	IsAddition bool
}

// EventType tags orchestrator output events.
type EventType string

const (
	// EventMessageStart opens one streamed AI utterance.
	EventMessageStart EventType = "message-start"
	// EventToken carries one text token of the utterance.
	EventToken EventType = "token"
	// EventMessageEnd closes the utterance.
	EventMessageEnd EventType = "message-end"
	// EventMerged acknowledges an addition merge; no turn was taken.
	EventMerged EventType = "merged"
	// EventTimeExpired reports that the wall-clock limit passed.
	EventTimeExpired EventType = "time-expired"
	// EventEnded reports the single terminal transition of the session.
	EventEnded EventType = "ended"
)

// Event is one increment of orchestrator output for a turn.
type Event struct {
	Type       EventType
	Text       string
	TurnIndex  int
	TotalTurns int
	Status     domain.Status
}

// Orchestrator drives interview sessions. Turn processing for one token is
// serialized; distinct tokens run fully in parallel.
type Orchestrator struct {
	cache        *sessioncache.Cache
	store        store.Store
	timers       *timer.Service
	model        llm.Client
	retriever    retrieval.Retriever
	maxFollowups int
	topK         int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(cache *sessioncache.Cache, st store.Store, timers *timer.Service, model llm.Client, retriever retrieval.Retriever, maxFollowups, retrievalTopK int) *Orchestrator {
	if retriever == nil {
		retriever = retrieval.Noop{}
	}
	return &Orchestrator{
		cache:        cache,
		store:        st,
		timers:       timers,
		model:        model,
		retriever:    retriever,
		maxFollowups: maxFollowups,
		topK:         retrievalTopK,
		locks:        make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the per-token mutex that keeps turn processing for a
// session single-threaded.
func (o *Orchestrator) sessionLock(token string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[token]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[token] = lock
	}
	return lock
}

// Attach prepares a session for a new transport connection: it loads the
// durable record, rehydrates the cache entry if needed, and records the
// wall-clock start on first attach. Reconnections keep the original start.
func (o *Orchestrator) Attach(ctx context.Context, token string) (sessioncache.Entry, error) {
	if entry, ok := o.cache.Get(token); ok {
		if entry.Status.Terminal() {
			return sessioncache.Entry{}, ErrSessionEnded
		}
		return entry, nil
	}

	sess, err := o.store.GetSession(ctx, token)
	if err != nil {
		return sessioncache.Entry{}, err
	}
	if sess == nil {
		return sessioncache.Entry{}, ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return sessioncache.Entry{}, ErrSessionEnded
	}

	startedAt := sess.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
		if err := o.store.MarkSessionStarted(ctx, token, startedAt); err != nil {
			return sessioncache.Entry{}, err
		}
	}

	entry := &sessioncache.Entry{
		Mode:           sess.Mode,
		Status:         sess.Status,
		TurnIndex:      sess.TurnIndex,
		TotalTurns:     sess.TotalTurns,
		Questions:      sess.Questions,
		Duration:       sess.Duration,
		VoiceEnabled:   sess.VoiceEnabled,
		StartedAt:      startedAt,
		LastActivityAt: time.Now(),
	}
	o.cache.Create(token, entry)

	snapshot, _ := o.cache.Get(token)
	return snapshot, nil
}

// End performs the terminal transition for a session. It is idempotent and
// safe under races between explicit end, timer expiry, and disconnect: the
// conditional durable write decides the winner, who gets true; every other
// caller gets false.
func (o *Orchestrator) End(ctx context.Context, token string, status domain.Status) bool {
	transitioned := false
	found := o.cache.Update(token, func(e *sessioncache.Entry) {
		if e.Status.Terminal() {
			return
		}
		e.Status = status
		transitioned = true
	})
	if found && !transitioned {
		return false
	}

	claimed, err := o.store.ClaimTerminal(ctx, token, status)
	if err != nil {
		slog.Error("end: persist terminal status failed", "token", token, "status", status, "error", err)
		// The in-memory transition stands; the terminal status sticks in
		// the cache even when the durable write fails.
		claimed = transitioned
	}
	if !claimed {
		return false
	}

	o.timers.Clear(token)
	o.releaseLock(token)
	slog.Info("session ended", "token", token, "status", status)
	return true
}

// releaseLock drops the per-token turn mutex. Only called after the
// terminal transition: any later turn gets a fresh mutex, observes the
// ended status, and returns without mutating.
func (o *Orchestrator) releaseLock(token string) {
	o.mu.Lock()
	delete(o.locks, token)
	o.mu.Unlock()
}

// Abandon marks an active session abandoned after its connection dropped.
// Sessions waiting on the intro response are abandoned the same way.
func (o *Orchestrator) Abandon(ctx context.Context, token string) bool {
	return o.End(ctx, token, domain.StatusAbandoned)
}

// persistAsync writes a transcript message in the background. Persistence
// latency never blocks the live stream; failures are logged and the
// already-streamed content is not retried.
func (o *Orchestrator) persistAsync(msg *domain.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := o.store.Append(ctx, msg); err != nil {
			slog.Error("transcript persistence failed",
				"token", msg.SessionToken,
				"role", msg.Role,
				"error", err)
		}
	}()
}

// SetPartial records an in-flight partial transcript so a reconnecting
// client can restore what was being said. It is never persisted.
func (o *Orchestrator) SetPartial(token, text string) {
	o.cache.Update(token, func(e *sessioncache.Entry) {
		e.PendingPartial = text
	})
}

// SetMicMuted mirrors the client's microphone state for the session.
func (o *Orchestrator) SetMicMuted(token string, muted bool) {
	o.cache.Update(token, func(e *sessioncache.Entry) {
		e.MicMuted = muted
	})
}
