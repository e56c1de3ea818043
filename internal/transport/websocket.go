package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/orchestrator"
	"github.com/gigbridge/engine/internal/timer"
)

// Handler upgrades interview connections and bridges WebSocket frames to
// the session engine.
type Handler struct {
	orch          *orchestrator.Orchestrator
	timers        *timer.Service
	conns         *ConnManager
	allowedOrigin string
	isDev         bool
}

// NewHandler creates the interview WebSocket handler.
func NewHandler(orch *orchestrator.Orchestrator, timers *timer.Service, conns *ConnManager, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		orch:          orch,
		timers:        timers,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade on
// /ws/interviews/{token}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	slog.Info("interview connection request", "token", token, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err, "token", token)
		return
	}
	c := &conn{ws: ws}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("websocket close failed", "error", closeErr, "token", token)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	entry, err := h.orch.Attach(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrSessionNotFound):
			_ = c.send(serverEvent{Type: serverError, Message: "session not found"})
		case errors.Is(err, orchestrator.ErrSessionEnded):
			_ = c.send(serverEvent{Type: serverSessionEnded, Status: "ended"})
		default:
			slog.Error("session attach failed", "error", err, "token", token)
			_ = c.send(serverEvent{Type: serverError, Message: "session unavailable"})
		}
		return
	}

	h.conns.register(token, c)
	defer h.conns.unregister(token, c)

	// The timer is anchored to the persisted start, so a reconnect never
	// resets the clock.
	h.timers.Start(token, entry.StartedAt, entry.Duration,
		func(remaining time.Duration) {
			if live := h.conns.get(token); live != nil {
				_ = live.send(serverEvent{Type: serverTimeWarning, RemainingMs: remaining.Milliseconds()})
			}
		},
		func() {
			h.onExpiry(token)
		},
	)

	turnIndex := entry.TurnIndex
	_ = c.send(serverEvent{
		Type:        serverSessionStarted,
		TurnIndex:   &turnIndex,
		TotalTurns:  entry.TotalTurns,
		RemainingMs: h.timers.Remaining(token).Milliseconds(),
	})

	if !h.streamEvents(ctx, token, c, h.orch.Opening(ctx, token)) {
		return
	}

	h.readLoop(ctx, token, c)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// onExpiry fires from the timer goroutine when the interview clock runs
// out. Only the first terminal transition notifies and closes.
func (h *Handler) onExpiry(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !h.orch.End(ctx, token, domain.StatusExpired) {
		return
	}
	if live := h.conns.get(token); live != nil {
		_ = live.send(serverEvent{Type: serverTimeExpired})
		_ = live.send(serverEvent{Type: serverSessionEnded, Status: string(domain.StatusExpired)})
	}
	h.conns.CloseSession(token)
}

func (h *Handler) readLoop(ctx context.Context, token string, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "token", token)
			} else {
				slog.Warn("websocket read error", "error", err, "token", token)
			}
			// A dropped connection abandons the interview unless it
			// already reached a terminal state.
			h.abandon(token)
			return
		}

		ev, err := parseClientEvent(data)
		if err != nil {
			slog.Debug("rejected client event", "error", err, "token", token)
			_ = c.send(serverEvent{Type: serverError, Message: err.Error()})
			continue
		}

		switch ev.Type {
		case clientPing:
			_ = c.send(serverEvent{Type: serverPong})

		case clientPartialTranscript:
			h.orch.SetPartial(token, ev.Text)

		case clientMicState:
			h.orch.SetMicMuted(token, ev.Muted)

		case clientFinalTranscript:
			_ = c.send(serverEvent{Type: serverAck})
			h.orch.SetPartial(token, "")
			input := orchestrator.Input{Text: ev.Text, IsAddition: ev.IsAddition}
			if !h.streamEvents(ctx, token, c, h.orch.ProcessTurn(ctx, token, input)) {
				return
			}

		case clientInterrupt:
			// An interruption with speech is just the next turn; an empty
			// one only marks that the participant cut in.
			if ev.Text == "" {
				continue
			}
			input := orchestrator.Input{Text: ev.Text, IsAddition: ev.IsAddition}
			if !h.streamEvents(ctx, token, c, h.orch.ProcessTurn(ctx, token, input)) {
				return
			}

		case clientEndSession:
			ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ended := h.orch.End(ctx2, token, domain.StatusCompleted)
			cancel()
			if ended {
				_ = c.send(serverEvent{Type: serverSessionEnded, Status: string(domain.StatusCompleted)})
			}
			return
		}
	}
}

// streamEvents forwards engine events to the client. Returns false when
// the session reached a terminal state and the connection should close.
func (h *Handler) streamEvents(ctx context.Context, token string, c *conn, events func(func(orchestrator.Event, error) bool)) bool {
	keepOpen := true
	for ev, err := range events {
		if err != nil {
			if errors.Is(err, orchestrator.ErrSessionNotFound) || errors.Is(err, orchestrator.ErrSessionEnded) {
				_ = c.send(serverEvent{Type: serverError, Message: err.Error()})
				return false
			}
			slog.Warn("turn error", "error", err, "token", token)
			_ = c.send(serverEvent{Type: serverError, Message: "something went wrong, please try again"})
			return true
		}

		switch ev.Type {
		case orchestrator.EventMessageStart:
			_ = c.send(serverEvent{Type: serverMessageStart})
		case orchestrator.EventToken:
			_ = c.send(serverEvent{Type: serverToken, Text: ev.Text})
		case orchestrator.EventMessageEnd:
			_ = c.send(serverEvent{Type: serverMessageEnd})
		case orchestrator.EventMerged:
			_ = c.send(serverEvent{Type: serverMerged})
		case orchestrator.EventTimeExpired:
			_ = c.send(serverEvent{Type: serverTimeExpired})
			_ = c.send(serverEvent{Type: serverSessionEnded, Status: string(ev.Status)})
			keepOpen = false
		case orchestrator.EventEnded:
			_ = c.send(serverEvent{Type: serverSessionEnded, Status: string(ev.Status)})
			keepOpen = false
		}
	}
	return keepOpen
}

// abandon soft-cancels a session after a disconnect.
func (h *Handler) abandon(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if h.orch.Abandon(ctx, token) {
		slog.Info("interview abandoned on disconnect", "token", token)
	}
}
