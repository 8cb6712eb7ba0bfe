package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fenwick-labs/mcp-chat/internal/gateway"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
)

const (
	// MaxToolIterations bounds tool-call loops within one user turn.
	MaxToolIterations = 10

	iterationNotice = "Tool iteration limit reached; stopping here."
)

// ErrBusy is returned when a user message arrives while a turn is streaming.
var ErrBusy = errors.New("a turn is already in progress")

// Mode selects which backend protocol drives the conversation.
type Mode string

const (
	// ModeClient streams from the model API directly; all tool calls are
	// executed locally through the gateway.
	ModeClient Mode = "client"

	// ModeServer streams via the relay, which may execute tools itself.
	ModeServer Mode = "server"
)

// Coordinator drives conversation turns. Turns are single-flight: Send
// rejects a new message while one is in progress.
type Coordinator struct {
	gateway  *gateway.Gateway
	catalog  func() []registry.Tool
	logger   *logging.Logger
	backends map[Mode]Backend

	system        string
	contextWindow int

	mu           sync.Mutex
	mode         Mode
	busy         bool
	conversation string
	messages     []Message
}

// NewCoordinator builds a coordinator starting in client-executed mode.
func NewCoordinator(backends map[Mode]Backend, gw *gateway.Gateway, catalog func() []registry.Tool, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		gateway:       gw,
		catalog:       catalog,
		logger:        logger,
		backends:      backends,
		contextWindow: DefaultContextWindow,
		mode:          ModeClient,
		conversation:  uuid.NewString(),
	}
}

// SetSystem sets the system prompt sent with every invocation.
func (c *Coordinator) SetSystem(system string) { c.system = system }

// Mode returns the active backend mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches backend protocol between turns.
func (c *Coordinator) SetMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	if _, ok := c.backends[mode]; !ok {
		return fmt.Errorf("no backend configured for mode %q", mode)
	}
	c.mode = mode
	return nil
}

// Busy reports whether a turn is currently streaming.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// History returns a copy of the conversation so far.
func (c *Coordinator) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Reset clears the conversation and starts a fresh conversation id.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy {
		c.messages = nil
		c.conversation = uuid.NewString()
	}
}

// Send runs one full user turn: stream an assistant message, execute or
// consume its tool calls, append results, and re-invoke until the model
// stops calling tools or the iteration cap is hit. Records are forwarded to
// emit as they stream. Cancelling ctx aborts the turn; streamed content up
// to that point stays in the history.
func (c *Coordinator) Send(ctx context.Context, text string, emit func(Record)) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	backend := c.backends[c.mode]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	if backend == nil {
		return fmt.Errorf("no backend configured for mode %q", c.mode)
	}

	c.append(Message{Role: RoleUser, Text: text})

	for iter := 0; iter < MaxToolIterations; iter++ {
		c.prune()

		stream := backend.Stream(ctx, Request{
			ConversationID: c.conversation,
			System:         c.system,
			Messages:       c.History(),
			Tools:          c.catalog(),
		})
		assistant, preCalc, err := consume(stream, emit)

		// Preserve partial content even when the stream failed.
		if assistant.Text != "" || assistant.Reasoning != "" || len(assistant.ToolCalls) > 0 {
			c.append(assistant)
		}
		if err != nil {
			// Tool calls collected before the failure must still be
			// answered, or the history carries an unmatched tool call the
			// next invocation would be rejected for.
			if len(assistant.ToolCalls) > 0 {
				c.append(abortedResults(assistant.ToolCalls))
			}
			return err
		}

		if len(assistant.ToolCalls) == 0 {
			return nil
		}

		c.append(c.resolveCalls(ctx, assistant.ToolCalls, preCalc))
	}

	if emit != nil {
		emit(Record{Type: RecordContentDelta, Text: "\n" + iterationNotice})
	}
	c.append(Message{Role: RoleAssistant, Text: iterationNotice})
	return nil
}

// resolveCalls produces the tool message answering one assistant turn:
// pre-calculated responses are consumed as-is, the rest go through the
// gateway. Results line up with the calls by correlation id, so every call
// gets exactly one answer.
func (c *Coordinator) resolveCalls(ctx context.Context, calls []ToolCall, preCalc map[string]ToolResult) Message {
	results := make([]ToolResult, len(calls))
	var pending []gateway.Call
	var pendingIdx []int

	for i, call := range calls {
		if res, ok := preCalc[call.ID]; ok {
			results[i] = res
			continue
		}

		args, err := decodeArgs(call.Args)
		if err != nil {
			results[i] = ToolResult{
				CallID:  call.ID,
				Content: fmt.Sprintf("invalid tool arguments: %v", err),
				IsError: true,
			}
			continue
		}

		pending = append(pending, gateway.Call{ID: call.ID, Name: call.Name, Args: args})
		pendingIdx = append(pendingIdx, i)
	}

	for j, res := range c.gateway.ExecuteAll(ctx, pending) {
		results[pendingIdx[j]] = ToolResult{CallID: res.ID, Content: res.Content, IsError: res.IsError}
	}

	return Message{Role: RoleTool, Results: results}
}

// abortedResults answers tool calls from a turn that failed before they
// could run, keeping every call matched with exactly one result.
func abortedResults(calls []ToolCall) Message {
	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		results[i] = ToolResult{
			CallID:  call.ID,
			Content: "tool call aborted: the response stream ended before execution",
			IsError: true,
		}
	}
	return Message{Role: RoleTool, Results: results}
}

// consume drains one turn stream into an assistant message and the set of
// server-side results, forwarding every record to emit.
func consume(stream *TurnStream, emit func(Record)) (Message, map[string]ToolResult, error) {
	assistant := Message{Role: RoleAssistant}
	preCalc := make(map[string]ToolResult)

	for stream.Next() {
		rec := stream.Current()
		if emit != nil {
			emit(rec)
		}

		switch rec.Type {
		case RecordContentDelta:
			assistant.Text += rec.Text
		case RecordReasoningDelta:
			assistant.Reasoning += rec.Text
		case RecordToolCallComplete:
			assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{
				ID:   rec.ToolCallID,
				Name: rec.ToolName,
				Args: json.RawMessage(rec.ArgsJSON),
			})
		case RecordPreCalculatedResponse:
			preCalc[rec.ToolCallID] = ToolResult{
				CallID:  rec.ToolCallID,
				Content: rec.Result,
				IsError: rec.IsError,
			}
		}
	}
	stream.Close()
	return assistant, preCalc, stream.Err()
}

func (c *Coordinator) append(m Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
}

func (c *Coordinator) prune() {
	c.mu.Lock()
	c.messages = Prune(c.messages, c.contextWindow)
	c.mu.Unlock()
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}
