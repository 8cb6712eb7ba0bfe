// Package transport provides a uniform connection handle over the three MCP
// transports: spawned local process (stdio), SSE, and streamable HTTP. The
// JSON-RPC framing, request-id bookkeeping, and per-transport streaming
// mechanics are delegated to mcp-go; this package normalizes configuration,
// handshake, liveness probing, and failure classification.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fenwick-labs/mcp-chat/internal/config"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
)

const (
	// connectTimeout bounds transport start plus the initialize handshake.
	connectTimeout = 30 * time.Second

	// clientName is reported to servers during the MCP handshake.
	clientName = "mcp-chat"

	protocolVersion = "2024-11-05"
)

// AuthorizeFunc completes an interactive OAuth flow for a connection whose
// server demanded authorization. The handler carries the pending client's
// token store, so the connection is retried on the same client afterwards.
type AuthorizeFunc func(ctx context.Context, flow *mcptransport.OAuthHandler) error

// Options tunes how a connection is opened.
type Options struct {
	// RedirectURI is the OAuth callback URI to register with the
	// authorization server. Required when the server config has OAuth.
	RedirectURI string

	// Version is the client version reported in the handshake.
	Version string

	// Authorize, when set, is invoked once if the server responds with an
	// authorization-required error during start or handshake; the failed
	// step is then retried exactly once.
	Authorize AuthorizeFunc
}

// Handle is a live connection to one MCP server. All three transports expose
// the same request/response semantics through it: at most one response per
// request, and an inexpensive liveness probe that does not touch
// conversation state.
type Handle struct {
	serverID string
	kind     config.TransportKind
	client   *client.Client
	logger   *logging.Logger
}

// Open establishes a connection for the given server config and performs the
// MCP initialize handshake. Failures are reported as *ConnectError with the
// stage that failed.
func Open(ctx context.Context, cfg config.ServerConfig, opts Options, logger *logging.Logger) (*Handle, error) {
	mcpClient, err := newClient(cfg, opts)
	if err != nil {
		return nil, &ConnectError{Server: cfg.ID, Stage: StageSpawn, Err: err}
	}

	h := &Handle{
		serverID: cfg.ID,
		kind:     cfg.Type,
		client:   mcpClient,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// Stdio clients spawn and start during construction; the HTTP
	// transports need an explicit start.
	if cfg.Type != config.TransportStdio {
		if err := withAuthRetry(ctx, opts, mcpClient.Start); err != nil {
			mcpClient.Close()
			return nil, &ConnectError{Server: cfg.ID, Stage: stageFor(err, StageStart), Err: err}
		}
	}

	handshake := func(ctx context.Context) error { return h.initialize(ctx, opts.Version) }
	if err := withAuthRetry(ctx, opts, handshake); err != nil {
		mcpClient.Close()
		return nil, &ConnectError{Server: cfg.ID, Stage: stageFor(err, StageHandshake), Err: err}
	}

	return h, nil
}

// withAuthRetry runs fn and, if the server demands OAuth authorization and an
// Authorize callback is configured, completes the flow and retries fn exactly
// once on the same client. The retry reuses the client's token store, so the
// freshly exchanged token is picked up without reconnecting.
func withAuthRetry(ctx context.Context, opts Options, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || opts.Authorize == nil || !AuthRequired(err) {
		return err
	}
	flow := OAuthFlow(err)
	if flow == nil {
		return err
	}
	if authErr := opts.Authorize(ctx, flow); authErr != nil {
		return authErr
	}
	return fn(ctx)
}

// newClient builds the transport-specific mcp-go client.
func newClient(cfg config.ServerConfig, opts Options) (*client.Client, error) {
	switch cfg.Type {
	case config.TransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case config.TransportSSE:
		if cfg.OAuth != nil {
			return client.NewOAuthSSEClient(cfg.URL, oauthConfig(cfg, opts))
		}
		var sseOpts []mcptransport.ClientOption
		if len(cfg.Headers) > 0 {
			sseOpts = append(sseOpts, mcptransport.WithHeaders(cfg.Headers))
		}
		return client.NewSSEMCPClient(cfg.URL, sseOpts...)

	case config.TransportStreamableHTTP:
		if cfg.OAuth != nil {
			return client.NewOAuthStreamableHttpClient(cfg.URL, oauthConfig(cfg, opts))
		}
		var httpOpts []mcptransport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, mcptransport.WithHTTPHeaders(cfg.Headers))
		}
		return client.NewStreamableHttpClient(cfg.URL, httpOpts...)

	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

// oauthConfig maps our server config to mcp-go's OAuth configuration.
// Tokens live in an in-memory store owned by the client; refresh is handled
// by mcp-go when tokens expire.
func oauthConfig(cfg config.ServerConfig, opts Options) client.OAuthConfig {
	oc := client.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  opts.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
		TokenStore:   client.NewMemoryTokenStore(),
		PKCEEnabled:  true,
	}
	if len(oc.Scopes) == 0 {
		oc.Scopes = []string{"mcp:tools", "mcp:resources"}
	}
	return oc
}

// initialize performs the MCP protocol handshake.
func (h *Handle) initialize(ctx context.Context, version string) error {
	if version == "" {
		version = "dev"
	}
	req := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}

	h.logger.Request("initialize", req.Params)
	result, err := h.client.Initialize(ctx, req)
	if err != nil {
		return err
	}
	h.logger.Response("initialize", result)
	return nil
}

// ServerID returns the id of the configured server this handle belongs to.
func (h *Handle) ServerID() string { return h.serverID }

// Kind returns the transport kind of this connection.
func (h *Handle) Kind() config.TransportKind { return h.kind }

// Tools lists the tools the server exposes.
func (h *Handle) Tools(ctx context.Context) ([]mcp.Tool, error) {
	req := mcp.ListToolsRequest{}
	h.logger.Request("tools/list", req.Params)

	result, err := h.client.ListTools(ctx, req)
	if err != nil {
		return nil, normalize(err)
	}
	h.logger.Response("tools/list", result)
	return result.Tools, nil
}

// Call invokes a tool by name. Remote JSON-RPC failures come back as
// *RemoteError; dead-session failures as ErrDisconnected.
func (h *Handle) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	h.logger.Request("tools/call", req.Params)
	result, err := h.client.CallTool(ctx, req)
	if err != nil {
		return nil, normalize(err)
	}
	h.logger.Response("tools/call", result)
	return result, nil
}

// Probe is the liveness signal used by health checks: a lightweight
// tools/list round trip. It uses the server's own request-id space via the
// underlying client, so it can never be confused with a tool response.
func (h *Handle) Probe(ctx context.Context) error {
	_, err := h.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return normalize(err)
	}
	return nil
}

// OnNotification registers a handler for unsolicited server messages.
func (h *Handle) OnNotification(fn func(mcp.JSONRPCNotification)) {
	h.client.OnNotification(fn)
}

// Close tears down the connection. Any in-flight requests fail with a
// disconnection error.
func (h *Handle) Close() error {
	return h.client.Close()
}

// normalize maps raw mcp-go errors into the package's failure taxonomy.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if IsDisconnected(err) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	// mcp-go surfaces JSON-RPC error responses as plain errors; keep the
	// message and tag it as remote.
	if strings.Contains(err.Error(), "request failed") || strings.Contains(err.Error(), "error response") {
		return &RemoteError{Code: -1, Message: err.Error()}
	}
	return err
}

// stageFor refines the connect stage when the failure is an authorization
// demand rather than a transport fault.
func stageFor(err error, fallback ConnectStage) ConnectStage {
	if AuthRequired(err) {
		return StageAuth
	}
	return fallback
}

// AuthRequired reports whether err means the server demands OAuth
// authorization before the operation can proceed.
func AuthRequired(err error) bool {
	return client.IsOAuthAuthorizationRequiredError(err)
}

// OAuthFlow extracts the mcp-go OAuth handler carried by an
// authorization-required error, or nil.
func OAuthFlow(err error) *mcptransport.OAuthHandler {
	return client.GetOAuthHandler(err)
}
