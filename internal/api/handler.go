// Package api provides HTTP handlers for the session engine REST surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/store"
)

// maxQuestions caps how many questions one interview may carry.
const maxQuestions = 50

// Handler serves interview management endpoints.
type Handler struct {
	store           store.Store
	defaultDuration time.Duration
}

// NewHandler creates a new Handler.
func NewHandler(st store.Store, defaultDuration time.Duration) *Handler {
	return &Handler{store: st, defaultDuration: defaultDuration}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers interview routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/interviews", func(r chi.Router) {
		r.Post("/", h.CreateInterview)
		r.Get("/{token}", h.GetInterview)
		r.Get("/{token}/transcript", h.GetTranscript)
	})
}

// createRequest is the POST /api/interviews body.
type createRequest struct {
	Mode            string   `json:"mode"`
	Questions       []string `json:"questions"`
	DurationSeconds int      `json:"durationSeconds,omitempty"`
	VoiceEnabled    bool     `json:"voiceEnabled"`
}

// createResponse returns the issued session token.
type createResponse struct {
	Token           string `json:"token"`
	Mode            string `json:"mode"`
	TotalTurns      int    `json:"totalTurns"`
	DurationSeconds int    `json:"durationSeconds"`
}

// CreateInterview handles POST /api/interviews.
func (h *Handler) CreateInterview(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := domain.Mode(req.Mode)
	if mode == "" {
		mode = domain.ModeApplication
	}
	if !mode.Valid() || mode == domain.ModeChat {
		Error(w, http.StatusBadRequest, "invalid interview mode")
		return
	}

	questions := make([]domain.Question, 0, len(req.Questions))
	for i, text := range req.Questions {
		text = strings.TrimSpace(text)
		if text == "" {
			Error(w, http.StatusBadRequest, "questions must not be blank")
			return
		}
		questions = append(questions, domain.Question{Index: i, Text: text})
	}
	if mode == domain.ModeApplication && len(questions) == 0 {
		Error(w, http.StatusBadRequest, "application interviews require questions")
		return
	}
	if len(questions) > maxQuestions {
		Error(w, http.StatusBadRequest, "too many questions")
		return
	}

	duration := h.defaultDuration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}

	now := time.Now()
	sess := &domain.Session{
		Token:          uuid.NewString(),
		Mode:           mode,
		Status:         domain.StatusActive,
		TotalTurns:     len(questions),
		Questions:      questions,
		Duration:       duration,
		VoiceEnabled:   req.VoiceEnabled,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		slog.Error("create interview failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create interview")
		return
	}

	slog.Info("interview created",
		"token", sess.Token,
		"mode", sess.Mode,
		"questions", len(questions),
		"voice", sess.VoiceEnabled,
	)
	JSON(w, http.StatusCreated, createResponse{
		Token:           sess.Token,
		Mode:            string(sess.Mode),
		TotalTurns:      sess.TotalTurns,
		DurationSeconds: int(duration.Seconds()),
	})
}

// GetInterview handles GET /api/interviews/{token}.
func (h *Handler) GetInterview(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sess, err := h.store.GetSession(r.Context(), token)
	if err != nil {
		slog.Error("interview lookup failed", "error", err, "token", token)
		Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sess == nil || sess.Mode == domain.ModeChat {
		Error(w, http.StatusNotFound, "interview not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// transcriptMessage is one transcript entry in API form.
type transcriptMessage struct {
	Role          string    `json:"role"`
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	QuestionIndex *int      `json:"questionIndex,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// GetTranscript handles GET /api/interviews/{token}/transcript. Tool
// bookkeeping messages are filtered out; the transcript is the
// human-visible conversation.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sess, err := h.store.GetSession(r.Context(), token)
	if err != nil {
		slog.Error("interview lookup failed", "error", err, "token", token)
		Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "interview not found")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), token)
	if err != nil {
		slog.Error("transcript load failed", "error", err, "token", token)
		Error(w, http.StatusInternalServerError, "transcript load failed")
		return
	}

	out := make([]transcriptMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == domain.RoleTool || len(msg.ToolCalls) > 0 && msg.Content == "" {
			continue
		}
		out = append(out, transcriptMessage{
			Role:          string(msg.Role),
			Type:          string(msg.Type),
			Content:       msg.Content,
			QuestionIndex: msg.QuestionIndex,
			CreatedAt:     msg.CreatedAt,
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"status":   sess.Status,
		"messages": out,
	})
}

// Health returns a health check handler that verifies store connectivity.
func Health(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
