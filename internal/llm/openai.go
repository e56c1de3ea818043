package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var _ Client = (*OpenAIClient)(nil)

// OpenAIClient implements Client against an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a model client. baseURL may be empty to use the
// default endpoint.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Classify runs one structured-decision call and parses the JSON decision.
func (c *OpenAIClient) Classify(ctx context.Context, req Request) (*Decision, error) {
	raw, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var decision Decision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decision); err != nil {
		return nil, fmt.Errorf("parse classification decision: %w", err)
	}
	if decision.NextAction == "" {
		return nil, fmt.Errorf("classification decision missing next_action")
	}
	return &decision, nil
}

// Complete returns a single non-streamed completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("model completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// Stream yields text tokens and tool-call argument fragments as they
// arrive from the model.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(req))

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !yield(StreamEvent{TextDelta: choice.Delta.Content}, nil) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				ev := StreamEvent{ToolCall: &ToolCallDelta{
					Index:        int(tc.Index),
					ID:           tc.ID,
					Name:         tc.Function.Name,
					ArgsFragment: tc.Function.Arguments,
				}}
				if !yield(ev, nil) {
					return
				}
			}

			if choice.FinishReason != "" {
				if !yield(StreamEvent{Done: true, FinishReason: choice.FinishReason}, nil) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield(StreamEvent{}, fmt.Errorf("model stream failed: %w", err))
		}
	}
}

func (c *OpenAIClient) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				assistant := openai.ChatCompletionAssistantMessageParam{}
				if msg.Content != "" {
					assistant.Content.OfString = openai.String(msg.Content)
				}
				for _, tc := range msg.ToolCalls {
					assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					})
				}
				messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.Parameters),
			},
		})
	}

	return params
}

// extractJSON pulls the outermost JSON object out of a model reply that
// may be wrapped in prose or a code fence.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}
