package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/crucible-ai/crucible/llm"
)

type wireRequest struct {
	Model         string          `json:"model"`
	System        string          `json:"system,omitempty"`
	Messages      []wireMessage   `json:"messages"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   float32         `json:"temperature,omitempty"`
	TopP          float32         `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

// wireBlock is a content block in a request message: text, a recorded
// tool_use, or a tool_result answering one.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type modelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// buildRequest serializes the canonical Context into the Messages shape.
// System messages collapse into the top-level system field; tool results
// become tool_result blocks on a user message, as the protocol requires.
func buildRequest(model llm.ModelID, chatCtx llm.Context) wireRequest {
	var system string
	messages := make([]wireMessage, 0, len(chatCtx.Messages))

	for _, m := range chatCtx.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content

		case llm.RoleTool:
			messages = append(messages, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case llm.RoleAssistant:
			blocks := make([]wireBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			if len(blocks) > 0 {
				messages = append(messages, wireMessage{Role: "assistant", Content: blocks})
			}

		default:
			messages = append(messages, wireMessage{
				Role:    "user",
				Content: []wireBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	maxTokens := chatCtx.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	tools := make([]wireTool, 0, len(chatCtx.Tools))
	for _, t := range chatCtx.Tools {
		tools = append(tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return wireRequest{
		Model:         string(model),
		System:        system,
		Messages:      messages,
		Tools:         tools,
		ToolChoice:    mapToolChoice(chatCtx.ToolChoice),
		MaxTokens:     maxTokens,
		Temperature:   chatCtx.Temperature,
		TopP:          chatCtx.TopP,
		StopSequences: chatCtx.Stop,
		Stream:        true,
	}
}

func mapToolChoice(choice string) *wireToolChoice {
	switch choice {
	case "":
		return nil
	case "auto", "any", "none":
		return &wireToolChoice{Type: choice}
	default:
		return &wireToolChoice{Type: "tool", Name: choice}
	}
}

// wireEvent covers every event the Messages stream produces. Which fields
// are populated depends on the event type.
type wireEvent struct {
	Type         string            `json:"type"`
	Message      *wireEventMessage `json:"message,omitempty"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *wireContentBlock `json:"content_block,omitempty"`
	Delta        *wireDelta        `json:"delta,omitempty"`
	Usage        *wireUsage        `json:"usage,omitempty"`
	Error        *wireError        `json:"error,omitempty"`
}

type wireEventMessage struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason,omitempty"`
	Usage      *wireUsage         `json:"usage,omitempty"`
	Content    []wireContentBlock `json:"content,omitempty"`
}

type wireContentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Text  string          `json:"text,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *wireError) toError(provider string) *llm.Error {
	switch e.Type {
	case "overloaded_error":
		return &llm.Error{Code: llm.ErrModelOverloaded, Message: e.Message, HTTPStatus: 529, Retryable: true, Provider: provider}
	case "rate_limit_error":
		return &llm.Error{Code: llm.ErrRateLimited, Message: e.Message, HTTPStatus: 429, Retryable: true, Provider: provider}
	case "authentication_error":
		return &llm.Error{Code: llm.ErrUnauthorized, Message: e.Message, HTTPStatus: 401, Provider: provider}
	case "permission_error":
		return &llm.Error{Code: llm.ErrForbidden, Message: e.Message, HTTPStatus: 403, Provider: provider}
	case "invalid_request_error":
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: e.Message, HTTPStatus: 400, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: e.Message, Retryable: true, Provider: provider}
	}
}

// newEventConverter returns a stateful converter for one Messages stream.
// Token counts are spread across events (message_start carries input
// tokens, message_delta the output tokens), so they accumulate here and go
// out with the final message_stop. Tool-use blocks get zero-based indices
// in order of appearance, matching ToolCallPart.Index.
func newEventConverter(provider string) func(eventType, payload string) ([]llm.ChatCompletionMessage, error) {
	var (
		usage        llm.Usage
		finishReason llm.FinishReason
		toolIndex    = -1
	)

	return func(eventType, payload string) ([]llm.ChatCompletionMessage, error) {
		var event wireEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, err
		}
		if eventType == "" {
			eventType = event.Type
		}

		switch eventType {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
				usage.CachedTokens = event.Message.Usage.CacheReadInputTokens
			}
			return nil, nil

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolIndex++
				return []llm.ChatCompletionMessage{{
					ToolCalls: []llm.ToolCallPart{{
						Index: toolIndex,
						ID:    event.ContentBlock.ID,
						Name:  event.ContentBlock.Name,
					}},
				}}, nil
			}
			return nil, nil

		case "content_block_delta":
			if event.Delta == nil {
				return nil, nil
			}
			switch event.Delta.Type {
			case "text_delta":
				return []llm.ChatCompletionMessage{{Content: event.Delta.Text}}, nil
			case "thinking_delta":
				return []llm.ChatCompletionMessage{{Reasoning: event.Delta.Thinking}}, nil
			case "input_json_delta":
				if toolIndex < 0 {
					return nil, fmt.Errorf("input_json_delta before any tool_use block")
				}
				return []llm.ChatCompletionMessage{{
					ToolCalls: []llm.ToolCallPart{{
						Index:     toolIndex,
						Arguments: event.Delta.PartialJSON,
					}},
				}}, nil
			default:
				return nil, nil
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason = mapStopReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
			return nil, nil

		case "message_stop":
			final := usage
			final.TotalTokens = final.PromptTokens + final.CompletionTokens
			return []llm.ChatCompletionMessage{{
				FinishReason: finishReason,
				Usage:        &final,
			}}, nil

		case "content_block_stop", "ping":
			return nil, nil

		case "error":
			if event.Error != nil {
				return nil, event.Error.toError(provider)
			}
			return nil, fmt.Errorf("upstream error event without detail")

		default:
			// Unknown event types are forward-compatibility noise.
			return nil, nil
		}
	}
}

// convertComplete decodes a full (non-streamed) Messages response. It backs
// the plain-JSON fallback when the server never started an event stream.
func convertComplete(_ string, payload string) ([]llm.ChatCompletionMessage, error) {
	var resp struct {
		Type       string             `json:"type"`
		Content    []wireContentBlock `json:"content"`
		StopReason string             `json:"stop_reason"`
		Usage      *wireUsage         `json:"usage"`
		Error      *wireError         `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.toError("")
	}
	if resp.Type != "message" {
		return nil, fmt.Errorf("unexpected response type %q", resp.Type)
	}

	msg := llm.ChatCompletionMessage{FinishReason: mapStopReason(resp.StopReason)}
	toolIndex := -1
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			toolIndex++
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallPart{
				Index:     toolIndex,
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	if resp.Usage != nil {
		msg.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CachedTokens:     resp.Usage.CacheReadInputTokens,
		}
	}
	return []llm.ChatCompletionMessage{msg}, nil
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "":
		return ""
	default:
		return llm.FinishReason(reason)
	}
}
