// Package providers defines the chat provider abstraction the agent loop
// drives, plus an OpenAI-compatible implementation. The loop owns stream
// assembly: providers pass tool-call fragments through unmodified.
package providers

import (
	"context"
	"encoding/json"
)

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// Chat sends messages and returns a complete response. Used for
	// non-streaming calls such as compaction summaries.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// StreamChat sends messages and delivers chunks via onChunk in arrival
	// order. Tool-call fragments are forwarded as-is; assembly is the
	// caller's job. Returns after the stream ends or fails.
	StreamChat(ctx context.Context, req ChatRequest, onChunk func(Chunk)) error

	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// ChatRequest contains the input for a Chat/StreamChat call.
type ChatRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// ChatResponse is the result of a non-streaming call.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// Chunk is one streamed delta. Any field may be empty; FinishReason is set
// at most once, on the final chunk.
type Chunk struct {
	Content      string          `json:"content,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. The first fragment
// for a call carries ID and Name; later fragments carry only an arguments
// chunk. Fragment index is not reliable across providers, so assemblers
// append to the newest open call.
type ToolCallDelta struct {
	ID                string `json:"id,omitempty"`
	Type              string `json:"type,omitempty"`
	Name              string `json:"name,omitempty"`
	ArgumentsFragment string `json:"arguments,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool" responses
}

// ToolCall is a fully assembled tool invocation requested by the model.
// Arguments is the raw JSON string as emitted by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParseArguments decodes the raw arguments JSON into a map. An empty
// arguments string decodes to an empty map.
func (tc ToolCall) ParseArguments() (map[string]any, error) {
	args := make(map[string]any)
	if tc.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-Schema for a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
