package chat

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
)

// MessageStreamer abstracts the Anthropic Messages API so the backend can be
// tested against a mock; production passes the real client's service.
type MessageStreamer interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

type messageServiceAdapter struct {
	svc *anthropic.MessageService
}

func (a *messageServiceAdapter) NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	return a.svc.NewStreaming(ctx, params)
}

// AnthropicBackend is the client-executed mode: the model streams deltas and
// tool calls, and every tool call is executed locally before the next
// invocation.
type AnthropicBackend struct {
	streamer  MessageStreamer
	model     anthropic.Model
	maxTokens int64
	logger    *logging.Logger
}

// NewAnthropicBackend builds the direct-API backend.
func NewAnthropicBackend(apiKey, model string, maxTokens int64, logger *logging.Logger) *AnthropicBackend {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBackend{
		streamer:  &messageServiceAdapter{svc: &client.Messages},
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Stream starts one assistant turn.
func (b *AnthropicBackend) Stream(ctx context.Context, req Request) *TurnStream {
	ctx, cancel := context.WithCancel(ctx)
	ts := newTurnStream(cancel)
	go b.run(ctx, req, ts)
	return ts
}

func (b *AnthropicBackend) run(ctx context.Context, req Request, ts *TurnStream) {
	defer ts.finish()

	params := anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		Messages:  toMessageParams(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if tools := toToolParams(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	stream := b.streamer.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			ts.fail(&ProtocolError{Message: err.Error()})
			return
		}

		if event.Type != "content_block_delta" {
			continue
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				ts.emit(ctx, Record{Type: RecordContentDelta, Text: event.Delta.Text})
			}
		case "thinking_delta":
			if event.Delta.Thinking != "" {
				ts.emit(ctx, Record{Type: RecordReasoningDelta, Text: event.Delta.Thinking})
			}
		case "input_json_delta":
			if event.Delta.PartialJSON != "" {
				ts.emit(ctx, Record{Type: RecordToolCallDelta, ArgsJSON: event.Delta.PartialJSON})
			}
		}
	}
	if err := stream.Err(); err != nil {
		ts.fail(err)
		return
	}

	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		toolUse := block.AsToolUse()
		ts.emit(ctx, Record{
			Type:       RecordToolCallComplete,
			ToolCallID: toolUse.ID,
			ToolName:   toolUse.Name,
			ArgsJSON:   string(toolUse.Input),
		})
	}

	ts.emit(ctx, Record{Type: RecordTurnComplete, StopReason: string(msg.StopReason)})
}

// toMessageParams converts the neutral conversation model into Anthropic
// message params. Tool results travel as user messages per the Messages API.
func toMessageParams(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range m.Results {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

// toToolParams exposes the aggregated catalog to the model.
func toToolParams(tools []registry.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tp := &anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.InputSchema.Properties,
				Required:   t.InputSchema.Required,
			},
		}
		if t.Description != "" {
			tp.Description = param.NewOpt(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tp})
	}
	return out
}
