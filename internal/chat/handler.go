// Package chat exposes the operations agent over HTTP with SSE streaming.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gigbridge/engine/internal/agentloop"
	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/tools"
)

// maxRequestBodySize caps chat request bodies at 1MB.
const maxRequestBodySize = 1 << 20

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

// streamPayload is the JSON body of one SSE message event.
type streamPayload struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Tool           string `json:"tool,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// RateLimiter throttles chat requests per user within a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter and starts its eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks whether a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction periodically drops expired keys so the map stays bounded.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// conversationLock serializes concurrent messages for one conversation.
// The holder count lets the map entry be dropped once the last request
// for the conversation finishes.
type conversationLock struct {
	mu      sync.Mutex
	holders int
}

// Handler serves the operations chat endpoint.
type Handler struct {
	loop        *agentloop.Loop
	store       store.Store
	rateLimiter *RateLimiter

	mu    sync.Mutex
	locks map[string]*conversationLock
}

// NewHandler creates the chat handler.
func NewHandler(loop *agentloop.Loop, st store.Store, rateLimit int, rateWindow time.Duration) *Handler {
	return &Handler{
		loop:        loop,
		store:       st,
		rateLimiter: NewRateLimiter(rateLimit, rateWindow),
		locks:       make(map[string]*conversationLock),
	}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
}

// acquireConversation blocks until this request owns the conversation.
func (h *Handler) acquireConversation(id string) *conversationLock {
	h.mu.Lock()
	lock, ok := h.locks[id]
	if !ok {
		lock = &conversationLock{}
		h.locks[id] = lock
	}
	lock.holders++
	h.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// releaseConversation unlocks the conversation and evicts the map entry
// when no other request holds or awaits it.
func (h *Handler) releaseConversation(id string, lock *conversationLock) {
	lock.mu.Unlock()
	h.mu.Lock()
	lock.holders--
	if lock.holders == 0 {
		delete(h.locks, id)
	}
	h.mu.Unlock()
}

// HandleChat handles POST /api/chat: one user message in, one streamed
// agent response out over SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, `{"error": "userId is required"}`, http.StatusBadRequest)
		return
	}

	// Rate-limit by user, not conversation, so rotating conversation IDs
	// does not bypass throttling.
	if !h.rateLimiter.Allow(req.UserID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	conversationID, err := h.resolveConversation(r, &req)
	if err != nil {
		if errors.Is(err, errConversationNotFound) {
			http.Error(w, `{"error": "conversation not found"}`, http.StatusNotFound)
		} else {
			slog.Error("conversation setup failed", "error", err, "user_id", req.UserID)
			http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("chat request",
		"user_id", req.UserID,
		"conversation_id", conversationID,
		"message_length", len(req.Message),
		"request_id", reqID,
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	lock := h.acquireConversation(conversationID)
	defer h.releaseConversation(conversationID, lock)

	caller := tools.CallerContext{UserID: req.UserID, ConversationID: conversationID}
	for ev, err := range h.loop.Run(r.Context(), conversationID, caller, req.Message) {
		if err != nil {
			slog.Error("agent run failed", "error", err, "conversation_id", conversationID)
			if writeErr := writeSSE(w, "error", jsonPayload(streamPayload{Type: "error", Content: "agent unavailable"})); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}

		payload := streamPayload{ConversationID: conversationID}
		switch ev.Type {
		case agentloop.EventTextDelta:
			payload.Type = "delta"
			payload.Content = ev.Text
			payload.ConversationID = ""
		case agentloop.EventToolStart:
			payload.Type = "tool-start"
			payload.Tool = ev.ToolName
			payload.ConversationID = ""
		case agentloop.EventToolDone:
			payload.Type = "tool-done"
			payload.Tool = ev.ToolName
			payload.ConversationID = ""
		case agentloop.EventDone:
			payload.Type = "done"
		}

		if err := writeSSE(w, "message", jsonPayload(payload)); err != nil {
			slog.Warn("failed to write SSE message event", "error", err, "conversation_id", conversationID)
			return
		}
		flusher.Flush()
	}
}

var errConversationNotFound = errors.New("conversation not found")

// resolveConversation returns the conversation ID, creating a fresh
// conversation when the request does not name one.
func (h *Handler) resolveConversation(r *http.Request, req *ChatRequest) (string, error) {
	if req.ConversationID != "" {
		sess, err := h.store.GetSession(r.Context(), req.ConversationID)
		if err != nil {
			return "", fmt.Errorf("lookup conversation: %w", err)
		}
		if sess == nil || sess.Mode != domain.ModeChat {
			return "", errConversationNotFound
		}
		return req.ConversationID, nil
	}

	id := uuid.NewString()
	now := time.Now()
	sess := &domain.Session{
		Token:          id,
		Mode:           domain.ModeChat,
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func jsonPayload(p streamPayload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return `{"type":"error"}`
	}
	return string(data)
}
