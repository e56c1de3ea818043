package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

// additionPrefix is the legacy in-band marker older clients prepend to a
// transcript that extends the previous answer. It is stripped at the
// boundary; the explicit isAddition field is the supported signal.
const additionPrefix = "[Addition to previous response]"

// Client event types.
const (
	clientFinalTranscript   = "final-transcript"
	clientPartialTranscript = "partial-transcript"
	clientInterrupt         = "interrupt"
	clientEndSession        = "end-session"
	clientMicState          = "mic-state"
	clientPing              = "ping"
)

// clientEvent is one inbound WebSocket frame after validation.
type clientEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	IsAddition bool   `json:"isAddition,omitempty"`
	Muted      bool   `json:"muted,omitempty"`
}

// parseClientEvent decodes and validates one inbound frame. Unknown event
// types and transcript events without text are rejected here so nothing
// malformed reaches the session engine.
func parseClientEvent(data []byte) (clientEvent, error) {
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return clientEvent{}, fmt.Errorf("malformed event: %w", err)
	}

	switch ev.Type {
	case clientFinalTranscript:
		if strings.TrimSpace(ev.Text) == "" {
			return clientEvent{}, fmt.Errorf("final-transcript requires text")
		}
	case clientPartialTranscript, clientInterrupt, clientEndSession, clientMicState, clientPing:
	default:
		return clientEvent{}, fmt.Errorf("unknown event type: %q", ev.Type)
	}

	// Legacy clients mark additions in the text itself.
	if rest, found := strings.CutPrefix(ev.Text, additionPrefix); found {
		ev.Text = strings.TrimSpace(rest)
		ev.IsAddition = true
	}
	return ev, nil
}

// Server event types.
const (
	serverSessionStarted = "session-started"
	serverMessageStart   = "ai-message-start"
	serverToken          = "token"
	serverMessageEnd     = "ai-message-end"
	serverAck            = "message-received-ack"
	serverMerged         = "merged"
	serverTimeWarning    = "time-warning"
	serverTimeExpired    = "time-expired"
	serverSessionEnded   = "session-ended"
	serverError          = "error"
	serverPong           = "pong"
)

// serverEvent is one outbound WebSocket frame.
type serverEvent struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	TurnIndex   *int   `json:"turnIndex,omitempty"`
	TotalTurns  int    `json:"totalTurns,omitempty"`
	RemainingMs int64  `json:"remainingMs,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
}
