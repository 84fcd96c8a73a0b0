package llm

// ModelID identifies a model within one provider session.
type ModelID string

// Model is a backend-supplied model descriptor. Fields beyond ID are
// best-effort: not every backend reports capability metadata.
type Model struct {
	ID            ModelID `json:"id"`
	Name          string  `json:"name,omitempty"`
	Description   string  `json:"description,omitempty"`
	ContextLength int64   `json:"context_length,omitempty"`
	SupportsTools bool    `json:"supports_tools,omitempty"`
}

// FinishReason is the normalized reason a completion stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage is the token accounting reported by the backend, usually on the
// final frame of a stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// ToolCallPart is one fragment of a streamed tool call. Arguments arrive
// incrementally; the orchestrator concatenates fragments sharing an Index
// until the stream finishes.
type ToolCallPart struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatCompletionMessage is the canonical streamed unit of a response: a text
// delta, tool-call fragment, and/or a completion marker. Both backend wire
// formats convert into this type; a payload that cannot convert is a content
// error, not a transport error.
type ChatCompletionMessage struct {
	Content      string         `json:"content,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	ToolCalls    []ToolCallPart `json:"tool_calls,omitempty"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Empty reports whether the message carries no content, tool call, finish
// marker or usage. Adapters skip emitting empty messages.
func (m ChatCompletionMessage) Empty() bool {
	return m.Content == "" && m.Reasoning == "" && len(m.ToolCalls) == 0 &&
		m.FinishReason == "" && m.Usage == nil
}

// StreamItem is one element of the normalized completion stream: either a
// canonical message or an item-level error. Content errors keep the stream
// live; the consumer decides whether to abandon the turn.
type StreamItem struct {
	Message ChatCompletionMessage
	Err     error
}
