package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gigbridge/engine/internal/domain"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/store"
)

// RegisterBuiltins installs the interview lookup tools the operations
// agent uses to answer questions about screening progress.
func RegisterBuiltins(r *Registry, st store.Store) {
	r.Register(llm.ToolSchema{
		Name:        "get_interview_status",
		Description: "Look up the current status of a screening interview by its session token.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"token": map[string]interface{}{
					"type":        "string",
					"description": "The interview session token.",
				},
			},
			"required": []string{"token"},
		},
	}, func(ctx context.Context, arguments string, _ CallerContext) (string, error) {
		var args struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		sess, err := st.GetSession(ctx, args.Token)
		if err != nil {
			return "", err
		}
		if sess == nil || sess.Mode == domain.ModeChat {
			return "No interview found with that token.", nil
		}
		out := map[string]interface{}{
			"token":          sess.Token,
			"mode":           sess.Mode,
			"status":         sess.Status,
			"question_index": sess.TurnIndex,
			"total_turns":    sess.TotalTurns,
			"voice_enabled":  sess.VoiceEnabled,
		}
		if !sess.StartedAt.IsZero() {
			out["started_at"] = sess.StartedAt.Format(time.RFC3339)
			out["remaining_seconds"] = int(sess.Remaining(time.Now()).Seconds())
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	r.Register(llm.ToolSchema{
		Name:        "get_interview_transcript",
		Description: "Fetch the conversation transcript of a screening interview by its session token.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"token": map[string]interface{}{
					"type":        "string",
					"description": "The interview session token.",
				},
			},
			"required": []string{"token"},
		},
	}, func(ctx context.Context, arguments string, _ CallerContext) (string, error) {
		var args struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		sess, err := st.GetSession(ctx, args.Token)
		if err != nil {
			return "", err
		}
		if sess == nil || sess.Mode == domain.ModeChat {
			return "No interview found with that token.", nil
		}
		messages, err := st.ListMessages(ctx, args.Token)
		if err != nil {
			return "", err
		}
		if len(messages) == 0 {
			return "The interview has no transcript yet.", nil
		}
		var sb strings.Builder
		for _, msg := range messages {
			if msg.Role == domain.RoleTool {
				continue
			}
			label := "Candidate"
			if msg.Role == domain.RoleAI {
				label = "Interviewer"
			}
			sb.WriteString(label)
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		return sb.String(), nil
	})
}
