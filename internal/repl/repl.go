// Package repl implements the interactive chat shell: plain input becomes a
// conversation turn, slash commands manage servers, mode, and approvals.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/fenwick-labs/mcp-chat/internal/chat"
	"github.com/fenwick-labs/mcp-chat/internal/gateway"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL is the Read-Eval-Print loop binding the chat coordinator, the server
// registry, and the tool gateway to a terminal.
type REPL struct {
	registry    *registry.Registry
	coordinator *chat.Coordinator
	gateway     *gateway.Gateway
	logger      *logging.Logger

	rl       *readline.Instance
	stdin    *bufio.Reader
	stopChan chan struct{}
	wg       sync.WaitGroup

	// promptMu serializes approval prompts; batched tool calls are
	// dispatched concurrently but the terminal is one.
	promptMu sync.Mutex

	commandHandlers map[string]commandHandler
}

// New creates a REPL. Gateway is set after construction because the approval
// decision function is the REPL's own prompt.
func New(reg *registry.Registry, coord *chat.Coordinator, logger *logging.Logger) *REPL {
	r := &REPL{
		registry:    reg,
		coordinator: coord,
		logger:      logger,
		stdin:       bufio.NewReader(os.Stdin),
		stopChan:    make(chan struct{}),
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// SetGateway wires the gateway once it exists.
func (r *REPL) SetGateway(gw *gateway.Gateway) { r.gateway = gw }

// Run starts the REPL and blocks until exit or context cancellation.
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_chat_history")

	config := &readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl

	// Surface server status transitions in the background.
	r.wg.Add(1)
	go r.statusListener(ctx)

	r.logger.Info("Chat started. Type a message, or /help for commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown("Shutting down...")
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			return r.shutdown("Goodbye!")
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.execute(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				return r.shutdown("Goodbye!")
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Println()
	}
}

func (r *REPL) shutdown(msg string) error {
	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("%s", msg)
	return nil
}

// execute routes a line: slash commands to their handlers, everything else
// to the chat coordinator.
func (r *REPL) execute(ctx context.Context, input string) error {
	if !strings.HasPrefix(input, "/") {
		return r.sendChat(ctx, input)
	}

	parts := strings.Fields(input)
	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type /help for available commands", command)
	}
	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}
	return handler.handler(ctx, parts)
}

// sendChat runs one conversation turn, streaming output to the terminal.
func (r *REPL) sendChat(ctx context.Context, text string) error {
	err := r.coordinator.Send(ctx, text, r.renderRecord)
	fmt.Println()
	if errors.Is(err, chat.ErrBusy) {
		return errors.New("a response is still streaming; wait for it to finish")
	}
	return err
}

// renderRecord prints one stream record.
func (r *REPL) renderRecord(rec chat.Record) {
	switch rec.Type {
	case chat.RecordContentDelta:
		fmt.Print(rec.Text)
	case chat.RecordReasoningDelta:
		if r.logger.Verbose() {
			fmt.Print(rec.Text)
		}
	case chat.RecordToolCallComplete:
		fmt.Println()
		r.logger.Info("Calling tool %s", rec.ToolName)
	case chat.RecordPreCalculatedResponse:
		r.logger.InfoVerbose("Server-side result for %s", rec.ToolCallID)
	case chat.RecordError:
		fmt.Println()
		r.logger.Error("%s", rec.Message)
	}
}

// Decide is the gateway's approval prompt. Concurrent calls are serialized
// so prompts do not interleave on the terminal.
func (r *REPL) Decide(ctx context.Context, call gateway.Call) gateway.Decision {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()

	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte("{}")
	}
	fmt.Printf("\nTool call requested: %s %s\n", call.Name, args)
	fmt.Print("Approve? [y]es once / [a]lways / [n]o: ")

	line, err := r.stdin.ReadString('\n')
	if err != nil {
		return gateway.Deny
	}
	return parseDecision(line)
}

// parseDecision maps an approval prompt answer to a decision. Anything
// unrecognized denies.
func parseDecision(line string) gateway.Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return gateway.ApproveOnce
	case "a", "always":
		return gateway.ApproveAlways
	default:
		return gateway.Deny
	}
}

// statusListener prints server status transitions without clobbering the
// prompt, and refreshes tab completion when the catalog changes.
func (r *REPL) statusListener(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case ev := <-r.registry.Events():
			if r.rl != nil {
				_, _ = r.rl.Stdout().Write([]byte("\r\033[K"))
			}

			if ev.Err != nil {
				r.logger.Warning("Server %s: %s (%v)", ev.ServerID, ev.Status, ev.Err)
			} else {
				r.logger.Info("Server %s: %s", ev.ServerID, ev.Status)
			}

			switch ev.Status {
			case registry.StatusConnected, registry.StatusDisconnected:
				if r.rl != nil {
					r.rl.Config.AutoComplete = r.createCompleter()
				}
			}

			if r.rl != nil {
				r.rl.Refresh()
			}
		}
	}
}

// commandHandler defines a slash command with its handler and argument
// requirements.
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"/help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"/exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"/quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"/servers": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleServers()
		}},
		"/tools": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleTools()
		}},
		"/clear": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			r.coordinator.Reset()
			fmt.Println("Conversation cleared.")
			return nil
		}},
		"/connect": {
			minArgs: 2,
			usage:   "usage: /connect <server-id>",
			handler: func(ctx context.Context, parts []string) error {
				return r.registry.Connect(ctx, parts[1])
			},
		},
		"/disconnect": {
			minArgs: 2,
			usage:   "usage: /disconnect <server-id>",
			handler: func(ctx context.Context, parts []string) error {
				return r.registry.Disconnect(parts[1])
			},
		},
		"/retry": {
			minArgs: 2,
			usage:   "usage: /retry <server-id>",
			handler: func(ctx context.Context, parts []string) error {
				return r.registry.Connect(ctx, parts[1])
			},
		},
		"/mode": {
			minArgs: 2,
			usage:   "usage: /mode <client|server>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleMode(parts[1])
			},
		},
		"/approvals": {
			minArgs: 2,
			usage:   "usage: /approvals <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleApprovals(parts[1])
			},
		},
	}
}

func (r *REPL) showHelp() error {
	fmt.Println("Available commands:")
	fmt.Println("  /servers                 - Show configured servers and their status")
	fmt.Println("  /tools                   - List the aggregated tool catalog")
	fmt.Println("  /connect <id>            - Connect a server")
	fmt.Println("  /disconnect <id>         - Disconnect a server")
	fmt.Println("  /retry <id>              - Retry a failed server")
	fmt.Println("  /mode <client|server>    - Switch chat backend protocol")
	fmt.Println("  /approvals <on|off>      - Auto-approve all tool calls")
	fmt.Println("  /clear                   - Clear the conversation")
	fmt.Println("  /help                    - Show this help message")
	fmt.Println("  /exit, /quit             - Exit")
	fmt.Println()
	fmt.Println("Anything not starting with / is sent to the model.")
	return nil
}

func (r *REPL) handleServers() error {
	statuses := r.registry.Statuses()
	if len(statuses) == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	fmt.Printf("Configured servers (%d):\n", len(statuses))
	for _, st := range statuses {
		detail := ""
		if st.Err != nil {
			detail = fmt.Sprintf(" - %v", st.Err)
		} else if st.Status == registry.StatusConnected {
			detail = fmt.Sprintf(" - %d tools", st.Tools)
		}
		fmt.Printf("  %-20s %-14s [%s]%s\n", st.ID, st.Status, st.Transport, detail)
	}
	return nil
}

func (r *REPL) handleTools() error {
	tools := r.registry.Catalog()
	if len(tools) == 0 {
		fmt.Println("No tools available. Connect a server first.")
		return nil
	}

	fmt.Printf("Available tools (%d):\n", len(tools))
	for i, tool := range tools {
		fmt.Printf("  %d. %-30s [%s] %s\n", i+1, tool.Name, tool.ServerID, tool.Description)
	}
	return nil
}

func (r *REPL) handleMode(mode string) error {
	switch strings.ToLower(mode) {
	case "client":
		if err := r.coordinator.SetMode(chat.ModeClient); err != nil {
			return err
		}
	case "server":
		if err := r.coordinator.SetMode(chat.ModeServer); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid mode: %s. Use 'client' or 'server'", mode)
	}
	fmt.Printf("Mode set to %s\n", r.coordinator.Mode())
	return nil
}

func (r *REPL) handleApprovals(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		if err := r.gateway.SetAutoApprove(true); err != nil {
			return err
		}
		fmt.Println("Auto-approving all tool calls.")
	case "off":
		if err := r.gateway.SetAutoApprove(false); err != nil {
			return err
		}
		fmt.Println("Tool calls will prompt for approval.")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}

// buildPcItems converts a slice of strings to readline completer items.
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// createCompleter builds tab completion from the current server set and
// catalog.
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	var serverIDs []string
	for _, st := range r.registry.Statuses() {
		serverIDs = append(serverIDs, st.ID)
	}
	serverItems := buildPcItems(serverIDs)

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("/help"),
		readline.PcItem("/exit"),
		readline.PcItem("/quit"),
		readline.PcItem("/servers"),
		readline.PcItem("/tools"),
		readline.PcItem("/clear"),
		readline.PcItem("/connect", serverItems...),
		readline.PcItem("/disconnect", serverItems...),
		readline.PcItem("/retry", serverItems...),
		readline.PcItem("/mode",
			readline.PcItem("client"),
			readline.PcItem("server"),
		),
		readline.PcItem("/approvals",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
	}

	return readline.NewPrefixCompleter(items...)
}

// filterInput filters input characters for readline.
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}
