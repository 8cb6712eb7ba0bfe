// Package chat drives conversation turns against an LLM backend: streaming
// assistant output, executing model-issued tool calls through the gateway,
// and looping until the model settles on a final answer. Two backend
// protocols are supported: direct Anthropic Messages streaming with local
// tool execution, and a server-assisted relay where the backend may execute
// tools itself and ask for approval over the stream.
package chat

import "encoding/json"

// Role classifies a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation. Assistant messages may carry tool
// calls; tool messages carry the correlated results. Images counts embedded
// images for pruning cost estimation.
type Message struct {
	Role      Role         `json:"role"`
	Text      string       `json:"text,omitempty"`
	Reasoning string       `json:"reasoning,omitempty"`
	ToolCalls []ToolCall   `json:"tool_calls,omitempty"`
	Results   []ToolResult `json:"tool_results,omitempty"`
	Images    int          `json:"images,omitempty"`
}

// ToolCall is a model-issued request to invoke a named tool. Args is the raw
// JSON argument object as streamed by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult answers one ToolCall, correlated by CallID.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
