package chat

import "fmt"

// RecordType names the typed events a turn's stream can carry.
type RecordType string

const (
	RecordContentDelta          RecordType = "content-delta"
	RecordReasoningDelta        RecordType = "reasoning-delta"
	RecordToolCallDelta         RecordType = "tool-call-delta"
	RecordToolCallComplete      RecordType = "tool-call-complete"
	RecordPreCalculatedResponse RecordType = "pre-calculated-tool-response"
	RecordApprovalRequest       RecordType = "approval-request"
	RecordTurnComplete          RecordType = "turn-complete"
	RecordError                 RecordType = "error"
)

// Record is one event in a turn's stream. Which fields are set depends on
// Type: Text for deltas, the tool-call fields for tool events, Result for
// pre-calculated responses, StopReason on turn-complete, Message on error.
type Record struct {
	Type RecordType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`

	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	StopReason string `json:"stop_reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ProtocolError reports a malformed or unexpected event from the chat
// backend. It ends the current turn; content already streamed is preserved.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream protocol error: %s", e.Message)
}
