package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fenwick-labs/mcp-chat/internal/gateway"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
)

// Approver answers approval requests for tools the relay backend executes on
// its side. *gateway.Gateway satisfies it.
type Approver interface {
	Approve(ctx context.Context, call gateway.Call) bool
}

// RelayBackend is the server-assisted mode: the conversation is posted to a
// relay endpoint which streams typed records back over SSE. The relay may
// execute tools itself, sending their results as pre-calculated responses,
// and may ask for approval out of band. Approval answers go back on a
// separate request, since the event stream is one-way.
type RelayBackend struct {
	endpoint string
	apiKey   string
	client   *http.Client
	approver Approver
	logger   *logging.Logger

	// remoteSources are tool source ids the relay may execute server-side.
	remoteSources []string

	// reply posts an approval decision; swappable for tests.
	reply func(ctx context.Context, callID string, approved bool) error
}

type relayRequest struct {
	ConversationID    string      `json:"conversation_id,omitempty"`
	System            string      `json:"system,omitempty"`
	Messages          []Message   `json:"messages"`
	Tools             []relayTool `json:"tools,omitempty"`
	RemoteToolSources []string    `json:"remote_tool_sources,omitempty"`
}

type relayTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type approvalReply struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
}

// NewRelayBackend builds the server-assisted backend.
func NewRelayBackend(endpoint, apiKey string, remoteSources []string, approver Approver, logger *logging.Logger) *RelayBackend {
	b := &RelayBackend{
		endpoint:      endpoint,
		apiKey:        apiKey,
		client:        &http.Client{Timeout: 10 * time.Minute},
		approver:      approver,
		logger:        logger,
		remoteSources: remoteSources,
	}
	b.reply = b.postApproval
	return b
}

// Stream starts one assistant turn against the relay.
func (b *RelayBackend) Stream(ctx context.Context, req Request) *TurnStream {
	ctx, cancel := context.WithCancel(ctx)
	ts := newTurnStream(cancel)
	go b.run(ctx, req, ts)
	return ts
}

func (b *RelayBackend) run(ctx context.Context, req Request, ts *TurnStream) {
	defer ts.finish()

	body, err := json.Marshal(relayRequest{
		ConversationID:    req.ConversationID,
		System:            req.System,
		Messages:          req.Messages,
		Tools:             toRelayTools(req.Tools),
		RemoteToolSources: b.remoteSources,
	})
	if err != nil {
		ts.fail(err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		ts.fail(err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		ts.fail(err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		ts.fail(fmt.Errorf("relay returned %d: %s", resp.StatusCode, excerpt))
		return
	}

	// The decoder is driven directly: the stream carries our own record
	// protocol, not Anthropic's event names.
	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	for decoder.Next() {
		var rec Record
		if err := json.Unmarshal(decoder.Event().Data, &rec); err != nil {
			ts.fail(&ProtocolError{Message: fmt.Sprintf("malformed record: %v", err)})
			return
		}
		switch rec.Type {
		case RecordApprovalRequest:
			if !b.answerApproval(ctx, rec, ts) {
				return
			}

		case RecordError:
			ts.fail(&ProtocolError{Message: rec.Message})
			return

		case RecordTurnComplete:
			ts.emit(ctx, rec)
			return

		case RecordContentDelta, RecordReasoningDelta, RecordToolCallDelta,
			RecordToolCallComplete, RecordPreCalculatedResponse:
			if !ts.emit(ctx, rec) {
				return
			}

		default:
			ts.fail(&ProtocolError{Message: fmt.Sprintf("unknown record type %q", rec.Type)})
			return
		}
	}

	if err := decoder.Err(); err != nil {
		ts.fail(err)
		return
	}
	ts.fail(&ProtocolError{Message: "stream ended without turn-complete"})
}

// answerApproval runs the approval policy for a server-side tool use and
// replies on a side channel. The record is still surfaced to the consumer so
// the UI can show what was asked.
func (b *RelayBackend) answerApproval(ctx context.Context, rec Record, ts *TurnStream) bool {
	var args map[string]any
	if rec.ArgsJSON != "" {
		if err := json.Unmarshal([]byte(rec.ArgsJSON), &args); err != nil {
			b.logger.WarningVerbose("Malformed approval request args for %s: %v", rec.ToolName, err)
		}
	}

	approved := false
	if b.approver != nil {
		approved = b.approver.Approve(ctx, gateway.Call{
			ID:   rec.ToolCallID,
			Name: rec.ToolName,
			Args: args,
		})
	}

	if err := b.reply(ctx, rec.ToolCallID, approved); err != nil {
		ts.fail(fmt.Errorf("approval reply failed: %w", err))
		return false
	}
	return ts.emit(ctx, rec)
}

func (b *RelayBackend) postApproval(ctx context.Context, callID string, approved bool) error {
	body, err := json.Marshal(approvalReply{ToolCallID: callID, Approved: approved})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/approval", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("approval endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func toRelayTools(tools []registry.Tool) []relayTool {
	out := make([]relayTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, relayTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
