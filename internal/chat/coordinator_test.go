package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fenwick-labs/mcp-chat/internal/gateway"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
	"github.com/fenwick-labs/mcp-chat/internal/store"
)

// scriptedBackend plays back one record script per Stream call.
type scriptedBackend struct {
	mu       sync.Mutex
	turns    [][]Record
	errs     []error // per-turn terminal error, emitted after the records
	i        int
	requests []Request
}

func (b *scriptedBackend) Stream(ctx context.Context, req Request) *TurnStream {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	turn := b.i
	b.i++
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ts := newTurnStream(cancel)
	go func() {
		var records []Record
		var err error
		b.mu.Lock()
		if turn < len(b.turns) {
			records = b.turns[turn]
		}
		if turn < len(b.errs) {
			err = b.errs[turn]
		}
		b.mu.Unlock()

		for _, rec := range records {
			if !ts.emit(ctx, rec) {
				return
			}
		}
		if err != nil {
			ts.fail(err)
			return
		}
		ts.finish()
	}()
	return ts
}

func (b *scriptedBackend) request(i int) Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

// recordingConn counts tool invocations reaching the server.
type recordingConn struct {
	mu    sync.Mutex
	calls int
}

func (c *recordingConn) Tools(context.Context) ([]mcp.Tool, error) { return nil, nil }

func (c *recordingConn) Call(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "tool output"}}}, nil
}

func (c *recordingConn) Probe(context.Context) error { return nil }
func (c *recordingConn) Close() error                { return nil }

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type staticResolver struct {
	conn *recordingConn
}

func (r *staticResolver) Resolve(name string) (registry.Tool, registry.Conn, error) {
	if name != "read_file" {
		return registry.Tool{}, nil, registry.ErrUnknownTool
	}
	return registry.Tool{Name: name, RemoteName: name, ServerID: "fs"}, r.conn, nil
}

func (r *staticResolver) ReportFailure(string, error) {}

func newTestCoordinator(backend Backend) (*Coordinator, *recordingConn) {
	logger := logging.NewLoggerWithWriter(false, false, false, io.Discard)
	conn := &recordingConn{}
	gw := gateway.New(&staticResolver{conn: conn}, store.NewMemory(), logger,
		func(context.Context, gateway.Call) gateway.Decision { return gateway.ApproveOnce })
	catalog := func() []registry.Tool {
		return []registry.Tool{{Name: "read_file", RemoteName: "read_file", ServerID: "fs"}}
	}
	c := NewCoordinator(map[Mode]Backend{ModeClient: backend}, gw, catalog, logger)
	return c, conn
}

func collectRecords() (func(Record), func() []Record) {
	var mu sync.Mutex
	var records []Record
	emit := func(rec Record) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	}
	get := func() []Record {
		mu.Lock()
		defer mu.Unlock()
		return records
	}
	return emit, get
}

func TestSendSimpleTurn(t *testing.T) {
	backend := &scriptedBackend{turns: [][]Record{{
		{Type: RecordContentDelta, Text: "Hello "},
		{Type: RecordContentDelta, Text: "there"},
		{Type: RecordTurnComplete, StopReason: "end_turn"},
	}}}
	c, _ := newTestCoordinator(backend)
	emit, records := collectRecords()

	if err := c.Send(context.Background(), "hi", emit); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	history := c.History()
	if len(history) != 2 {
		t.Fatalf("expected user+assistant, got %d messages", len(history))
	}
	if history[1].Role != RoleAssistant || history[1].Text != "Hello there" {
		t.Errorf("unexpected assistant message: %+v", history[1])
	}
	if got := records(); len(got) != 3 {
		t.Errorf("expected 3 forwarded records, got %d", len(got))
	}
}

func TestSendToolLoop(t *testing.T) {
	backend := &scriptedBackend{turns: [][]Record{
		{
			{Type: RecordContentDelta, Text: "Let me check."},
			{Type: RecordToolCallComplete, ToolCallID: "t1", ToolName: "read_file", ArgsJSON: `{"path":"x"}`},
			{Type: RecordTurnComplete, StopReason: "tool_use"},
		},
		{
			{Type: RecordContentDelta, Text: "Done."},
			{Type: RecordTurnComplete, StopReason: "end_turn"},
		},
	}}
	c, conn := newTestCoordinator(backend)

	if err := c.Send(context.Background(), "read x", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if conn.count() != 1 {
		t.Errorf("expected 1 tool execution, got %d", conn.count())
	}

	history := c.History()
	if len(history) != 4 {
		t.Fatalf("expected user/assistant/tool/assistant, got %d messages", len(history))
	}
	toolMsg := history[2]
	if toolMsg.Role != RoleTool || len(toolMsg.Results) != 1 {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}
	if toolMsg.Results[0].CallID != "t1" || toolMsg.Results[0].Content != "tool output" {
		t.Errorf("result not correlated: %+v", toolMsg.Results[0])
	}

	// The second invocation must carry the tool result.
	second := backend.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != RoleTool {
		t.Errorf("second request must end with the tool message, got %s", last.Role)
	}
}

func TestSendPreCalculatedNotExecuted(t *testing.T) {
	backend := &scriptedBackend{turns: [][]Record{
		{
			{Type: RecordToolCallComplete, ToolCallID: "t1", ToolName: "read_file", ArgsJSON: `{}`},
			{Type: RecordPreCalculatedResponse, ToolCallID: "t1", Result: "server-side output"},
			{Type: RecordTurnComplete, StopReason: "tool_use"},
		},
		{
			{Type: RecordContentDelta, Text: "Done."},
			{Type: RecordTurnComplete, StopReason: "end_turn"},
		},
	}}
	c, conn := newTestCoordinator(backend)

	if err := c.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if conn.count() != 0 {
		t.Errorf("pre-calculated call must not execute locally, got %d executions", conn.count())
	}
	toolMsg := c.History()[2]
	if toolMsg.Results[0].Content != "server-side output" {
		t.Errorf("pre-calculated result not consumed: %+v", toolMsg.Results[0])
	}
}

func TestSendDeniedToolStillAnswered(t *testing.T) {
	backend := &scriptedBackend{turns: [][]Record{
		{
			{Type: RecordToolCallComplete, ToolCallID: "t1", ToolName: "read_file", ArgsJSON: `{}`},
			{Type: RecordTurnComplete, StopReason: "tool_use"},
		},
		{
			{Type: RecordTurnComplete, StopReason: "end_turn"},
		},
	}}
	logger := logging.NewLoggerWithWriter(false, false, false, io.Discard)
	conn := &recordingConn{}
	gw := gateway.New(&staticResolver{conn: conn}, store.NewMemory(), logger,
		func(context.Context, gateway.Call) gateway.Decision { return gateway.Deny })
	c := NewCoordinator(map[Mode]Backend{ModeClient: backend}, gw,
		func() []registry.Tool { return nil }, logger)

	if err := c.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	toolMsg := c.History()[2]
	if len(toolMsg.Results) != 1 || !toolMsg.Results[0].IsError {
		t.Fatalf("denied call must still be answered: %+v", toolMsg)
	}
	if toolMsg.Results[0].Content != gateway.DeniedMessage {
		t.Errorf("expected denial marker, got %q", toolMsg.Results[0].Content)
	}
	if conn.count() != 0 {
		t.Error("denied call must not reach the server")
	}
}

func TestSendIterationCap(t *testing.T) {
	var turns [][]Record
	for i := 0; i < MaxToolIterations+2; i++ {
		turns = append(turns, []Record{
			{Type: RecordToolCallComplete, ToolCallID: "t1", ToolName: "read_file", ArgsJSON: `{}`},
			{Type: RecordTurnComplete, StopReason: "tool_use"},
		})
	}
	backend := &scriptedBackend{turns: turns}
	c, _ := newTestCoordinator(backend)

	if err := c.Send(context.Background(), "loop forever", nil); err != nil {
		t.Fatalf("iteration cap must not be an error: %v", err)
	}

	history := c.History()
	last := history[len(history)-1]
	if last.Role != RoleAssistant || !strings.Contains(last.Text, "iteration limit") {
		t.Errorf("expected truncation notice, got %+v", last)
	}
	if backend.i != MaxToolIterations {
		t.Errorf("expected %d invocations, got %d", MaxToolIterations, backend.i)
	}
}

func TestSendStreamErrorPreservesPartial(t *testing.T) {
	backend := &scriptedBackend{
		turns: [][]Record{{
			{Type: RecordContentDelta, Text: "partial answer"},
		}},
		errs: []error{&ProtocolError{Message: "unexpected event"}},
	}
	c, _ := newTestCoordinator(backend)

	err := c.Send(context.Background(), "hi", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}

	history := c.History()
	if len(history) != 2 || history[1].Text != "partial answer" {
		t.Errorf("partial content must be preserved: %+v", history)
	}
	if c.Busy() {
		t.Error("coordinator must not stay busy after a failed turn")
	}
}

func TestSendStreamErrorAnswersToolCalls(t *testing.T) {
	backend := &scriptedBackend{
		turns: [][]Record{
			{
				{Type: RecordContentDelta, Text: "partial"},
				{Type: RecordToolCallComplete, ToolCallID: "t1", ToolName: "read_file", ArgsJSON: `{}`},
			},
			{
				{Type: RecordTurnComplete, StopReason: "end_turn"},
			},
		},
		errs: []error{&ProtocolError{Message: "unexpected event"}},
	}
	c, conn := newTestCoordinator(backend)

	err := c.Send(context.Background(), "go", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}

	history := c.History()
	last := history[len(history)-1]
	if last.Role != RoleTool || len(last.Results) != 1 {
		t.Fatalf("failed turn must answer its tool calls: %+v", history)
	}
	if last.Results[0].CallID != "t1" || !last.Results[0].IsError {
		t.Errorf("unexpected abort result: %+v", last.Results[0])
	}
	if conn.count() != 0 {
		t.Error("aborted call must not execute")
	}

	// The next turn must go out with every tool call matched to a result.
	if err := c.Send(context.Background(), "again", nil); err != nil {
		t.Fatalf("follow-up turn failed: %v", err)
	}
	answered := make(map[string]bool)
	for _, m := range backend.request(1).Messages {
		for _, r := range m.Results {
			answered[r.CallID] = true
		}
	}
	for _, m := range backend.request(1).Messages {
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				t.Errorf("request carries unmatched tool call %s", tc.ID)
			}
		}
	}
}

func TestSendBusy(t *testing.T) {
	release := make(chan struct{})
	backend := backendFunc(func(ctx context.Context, _ Request) *TurnStream {
		ctx, cancel := context.WithCancel(ctx)
		ts := newTurnStream(cancel)
		go func() {
			<-release
			ts.emit(ctx, Record{Type: RecordTurnComplete, StopReason: "end_turn"})
			ts.finish()
		}()
		return ts
	})
	c, _ := newTestCoordinator(backend)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "first", nil) }()

	// Wait until the first turn is in flight.
	for i := 0; i < 100 && !c.Busy(); i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Busy() {
		t.Fatal("first turn never started")
	}

	if err := c.Send(context.Background(), "second", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
}

func TestSetModeUnknownBackend(t *testing.T) {
	c, _ := newTestCoordinator(&scriptedBackend{})
	if err := c.SetMode(ModeServer); err == nil {
		t.Error("expected error for unconfigured mode")
	}
	if c.Mode() != ModeClient {
		t.Errorf("mode must stay client, got %s", c.Mode())
	}
}

// backendFunc adapts a function to the Backend interface.
type backendFunc func(ctx context.Context, req Request) *TurnStream

func (f backendFunc) Stream(ctx context.Context, req Request) *TurnStream { return f(ctx, req) }
