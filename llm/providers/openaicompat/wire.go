package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/crucible-ai/crucible/llm"
)

// Wire types for the Chat Completions protocol. One struct covers both the
// streaming chunk (delta) and the non-streaming response (message), which is
// what makes the plain-JSON fallback decode reuse the same converter.

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Tools         []wireTool         `json:"tools,omitempty"`
	ToolChoice    string             `json:"tool_choice,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   float32            `json:"temperature,omitempty"`
	TopP          float32            `json:"top_p,omitempty"`
	Stop          []string           `json:"stop,omitempty"`
	Stream        bool               `json:"stream"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function wireToolSchema `json:"function"`
}

type wireToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
	Error   *wireError   `json:"error,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
}

type wireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type modelList struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name,omitempty"`
	Description         string   `json:"description,omitempty"`
	ContextLength       int64    `json:"context_length,omitempty"`
	SupportedParameters []string `json:"supported_parameters,omitempty"`
}

func (m modelEntry) supportsTools() bool {
	for _, p := range m.SupportedParameters {
		if p == "tools" || p == "tool_choice" {
			return true
		}
	}
	return false
}

// buildRequest serializes the canonical Context into the Chat Completions
// shape. stream_options.include_usage asks for a final usage frame.
func buildRequest(model llm.ModelID, chatCtx llm.Context) wireRequest {
	messages := make([]wireMessage, 0, len(chatCtx.Messages))
	for _, m := range chatCtx.Messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, wm)
	}

	tools := make([]wireTool, 0, len(chatCtx.Tools))
	for _, t := range chatCtx.Tools {
		tools = append(tools, wireTool{
			Type: "function",
			Function: wireToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return wireRequest{
		Model:         string(model),
		Messages:      messages,
		Tools:         tools,
		ToolChoice:    chatCtx.ToolChoice,
		MaxTokens:     chatCtx.MaxTokens,
		Temperature:   chatCtx.Temperature,
		TopP:          chatCtx.TopP,
		Stop:          chatCtx.Stop,
		Stream:        true,
		StreamOptions: &wireStreamOptions{IncludeUsage: true},
	}
}

// convertChunk is the fallible conversion from one wire payload into
// canonical messages. A payload carrying an error envelope converts into a
// typed error; a payload that is not valid JSON is a content error.
func convertChunk(_ string, payload string) ([]llm.ChatCompletionMessage, error) {
	var resp wireResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &llm.Error{
			Code:    llm.ErrUpstreamError,
			Message: fmt.Sprintf("%s (type: %s)", resp.Error.Message, resp.Error.Type),
		}
	}
	if len(resp.Choices) == 0 && resp.Usage == nil {
		return nil, fmt.Errorf("response carries neither choices nor usage")
	}

	var messages []llm.ChatCompletionMessage
	for _, choice := range resp.Choices {
		src := choice.Delta
		if src == nil {
			src = choice.Message
		}
		msg := llm.ChatCompletionMessage{
			FinishReason: mapFinishReason(choice.FinishReason),
		}
		if src != nil {
			msg.Content = src.Content
			msg.Reasoning = src.Reasoning
			for _, tc := range src.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallPart{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		messages = append(messages, msg)
	}

	if resp.Usage != nil {
		usage := &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
		if len(messages) > 0 {
			messages[len(messages)-1].Usage = usage
		} else {
			messages = append(messages, llm.ChatCompletionMessage{Usage: usage})
		}
	}
	return messages, nil
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishContentFilter
	default:
		return llm.FinishReason(reason)
	}
}
