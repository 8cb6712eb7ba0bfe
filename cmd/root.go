package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fenwick-labs/mcp-chat/internal/chat"
	"github.com/fenwick-labs/mcp-chat/internal/config"
	"github.com/fenwick-labs/mcp-chat/internal/gateway"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/oauth"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
	"github.com/fenwick-labs/mcp-chat/internal/repl"
	"github.com/fenwick-labs/mcp-chat/internal/store"
)

var (
	version string

	configPath string
	storePath  string
	verbose    bool
	noColor    bool
	jsonRPC    bool

	apiKey    string
	model     string
	maxTokens int64
	system    string

	relayEndpoint string
	remoteSources []string
	mode          string

	autoApprove bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-chat",
	Short: "Terminal chat client with MCP tool support",
	Long: `mcp-chat is a terminal chat client that connects to MCP (Model Context
Protocol) servers and makes their tools available to a language model.

Servers are declared in a JSON configuration file and reached over stdio,
SSE, or streamable-http transport, with OAuth 2.1 authorization when a
server requires it. Connected servers contribute to one aggregated tool
catalog; a periodic health check notices lost connections and restores them.

Two backend protocols are supported:
- client mode (default): the Anthropic Messages API is streamed directly
  and every tool call is executed locally against the connected servers
- server mode: the conversation is relayed through a backend endpoint
  which may execute tools on its side

Tool calls prompt for approval before execution unless a standing approval
exists. Use /help inside the chat for the available commands.`,
	RunE: runChat,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", defaultPath("servers.json"), "Path to the server configuration file")
	rootCmd.Flags().StringVar(&storePath, "store", defaultPath("store.json"), "Path to the approval/auth store (empty for in-memory)")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (show reasoning and health probes)")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")

	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "Anthropic API key (defaults to $ANTHROPIC_API_KEY)")
	rootCmd.Flags().StringVar(&model, "model", "claude-sonnet-4-5", "Model to use in client mode")
	rootCmd.Flags().Int64Var(&maxTokens, "max-tokens", 4096, "Maximum tokens per assistant turn")
	rootCmd.Flags().StringVar(&system, "system", "", "System prompt sent with every turn")

	rootCmd.Flags().StringVar(&relayEndpoint, "relay-endpoint", "", "Relay endpoint URL for server mode")
	rootCmd.Flags().StringSliceVar(&remoteSources, "remote-tool-source", nil, "Tool source ids the relay may execute server-side")
	rootCmd.Flags().StringVar(&mode, "mode", "", "Initial backend mode: client or server (defaults to whichever is configured)")

	rootCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve all tool calls without prompting")

	// Add subcommands
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// defaultPath places a file under the user's mcp-chat config directory,
// falling back to the working directory when the home cannot be resolved.
func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".config", "mcp-chat", name)
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// buildBackends constructs one backend per configured mode and picks the
// starting mode.
func buildBackends(gw *gateway.Gateway, logger *logging.Logger) (map[chat.Mode]chat.Backend, chat.Mode, error) {
	key := apiKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}

	backends := make(map[chat.Mode]chat.Backend)
	if key != "" {
		backends[chat.ModeClient] = chat.NewAnthropicBackend(key, model, maxTokens, logger)
	}
	if relayEndpoint != "" {
		backends[chat.ModeServer] = chat.NewRelayBackend(relayEndpoint, key, remoteSources, gw, logger)
	}
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("no backend configured: set --api-key (or $ANTHROPIC_API_KEY) or --relay-endpoint")
	}

	var initial chat.Mode
	switch mode {
	case "":
		initial = chat.ModeClient
		if _, ok := backends[initial]; !ok {
			initial = chat.ModeServer
		}
	case "client":
		initial = chat.ModeClient
	case "server":
		initial = chat.ModeServer
	default:
		return nil, "", fmt.Errorf("invalid mode %q (use 'client' or 'server')", mode)
	}
	if _, ok := backends[initial]; !ok {
		return nil, "", fmt.Errorf("mode %q requested but not configured", initial)
	}
	return backends, initial, nil
}

// openStore opens the persistent store, or an in-memory one when no path is
// given.
func openStore() (store.Store, error) {
	if storePath == "" {
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, err
	}
	return store.OpenFile(storePath)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	logger := logging.NewLogger(verbose, !noColor, jsonRPC)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Servers) == 0 {
		logger.Warning("No servers configured in %s; chat will run without tools", configPath)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	reg := registry.New(cfg, oauth.NewCoordinator(logger, st), logger, version)
	defer reg.Close()

	// The approval prompt lives on the REPL, which is built after the
	// gateway; the indirection breaks the construction cycle.
	var shell *repl.REPL
	gw := gateway.New(reg, st, logger, func(ctx context.Context, call gateway.Call) gateway.Decision {
		return shell.Decide(ctx, call)
	})
	if autoApprove {
		if err := gw.SetAutoApprove(true); err != nil {
			return err
		}
	}

	backends, initial, err := buildBackends(gw, logger)
	if err != nil {
		return err
	}

	coordinator := chat.NewCoordinator(backends, gw, reg.Catalog, logger)
	coordinator.SetSystem(system)
	if err := coordinator.SetMode(initial); err != nil {
		return err
	}

	shell = repl.New(reg, coordinator, logger)
	shell.SetGateway(gw)

	reg.ConnectAll(ctx)
	reg.StartHealth(ctx)

	if err := shell.Run(ctx); err != nil {
		return fmt.Errorf("REPL error: %w", err)
	}
	return nil
}
