// Package registry owns the lifecycle of all configured MCP server
// connections: connecting, disconnecting, health checking, and the aggregated
// tool catalog the chat side consumes. Server failures are isolated; one
// server going down never affects another or the application itself.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fenwick-labs/mcp-chat/internal/config"
	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/oauth"
	"github.com/fenwick-labs/mcp-chat/internal/transport"
)

const (
	// DefaultHealthInterval is how often connected servers are probed.
	DefaultHealthInterval = 60 * time.Second

	// defaultProbeTimeout bounds a single health probe.
	defaultProbeTimeout = 10 * time.Second

	// eventBuffer sizes the status-event channel. Sends never block; if the
	// consumer falls this far behind, events are dropped.
	eventBuffer = 32
)

// Status is a server's position in the connection lifecycle.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusAuthenticating Status = "authenticating"
	StatusError          Status = "error"
)

// StatusEvent is emitted once per status transition of a server.
type StatusEvent struct {
	ServerID string
	Status   Status
	Err      error
}

// ServerStatus is a point-in-time snapshot of one server, for display.
type ServerStatus struct {
	ID          string
	Transport   config.TransportKind
	Status      Status
	Err         error
	LastHealthy time.Time
	Tools       int
}

// Conn is the slice of a transport handle the registry needs.
// *transport.Handle satisfies it; tests use fakes.
type Conn interface {
	Tools(ctx context.Context) ([]mcp.Tool, error)
	Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Probe(ctx context.Context) error
	Close() error
}

// Dialer opens a connection to one configured server.
type Dialer func(ctx context.Context, cfg config.ServerConfig, opts transport.Options) (Conn, error)

// Tool is one catalog entry. Name is the catalog-unique name presented to the
// model; RemoteName is what the owning server calls it. They differ only when
// a collision forced a server-id prefix.
type Tool struct {
	Name        string
	RemoteName  string
	ServerID    string
	Description string
	InputSchema mcp.ToolInputSchema
}

// ErrUnknownTool is returned by Resolve for names absent from the catalog.
var ErrUnknownTool = fmt.Errorf("unknown tool")

type notifier interface {
	OnNotification(fn func(mcp.JSONRPCNotification))
}

type server struct {
	cfg         config.ServerConfig
	conn        Conn
	status      Status
	lastErr     error
	lastHealthy time.Time

	// toolNames are the catalog keys this server currently owns.
	toolNames []string

	// wantUp distinguishes a manual disconnect from a lost connection:
	// only servers the user wants connected are revived by the health loop.
	wantUp    bool
	unhealthy bool
}

// Registry tracks every configured server. All methods are safe for
// concurrent use.
type Registry struct {
	logger      *logging.Logger
	coordinator *oauth.Coordinator
	version     string

	// dial is swappable for tests.
	dial Dialer

	healthInterval time.Duration
	probeTimeout   time.Duration

	mu      sync.RWMutex
	servers map[string]*server
	order   []string
	catalog map[string]Tool

	events chan StatusEvent

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New builds a registry over the configured servers. No connections are made
// until Connect or ConnectAll.
func New(cfg *config.Config, coord *oauth.Coordinator, logger *logging.Logger, version string) *Registry {
	r := &Registry{
		logger:         logger,
		coordinator:    coord,
		version:        version,
		healthInterval: DefaultHealthInterval,
		probeTimeout:   defaultProbeTimeout,
		servers:        make(map[string]*server),
		catalog:        make(map[string]Tool),
		events:         make(chan StatusEvent, eventBuffer),
	}
	r.dial = func(ctx context.Context, sc config.ServerConfig, opts transport.Options) (Conn, error) {
		h, err := transport.Open(ctx, sc, opts, logger)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	for _, sc := range cfg.Servers {
		r.servers[sc.ID] = &server{cfg: sc, status: StatusDisconnected}
		r.order = append(r.order, sc.ID)
	}
	return r
}

// Events returns the status-event stream. Exactly one event is sent per
// status transition; slow consumers lose events rather than blocking the
// registry.
func (r *Registry) Events() <-chan StatusEvent { return r.events }

// ConnectAll connects every enabled server concurrently and returns when all
// attempts have settled. Individual failures are reflected in server status,
// never returned.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	var ids []string
	for _, id := range r.order {
		if !r.servers[id].cfg.Disabled {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Connect(ctx, id); err != nil {
				r.logger.Warning("Failed to connect to %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// Connect dials one server, runs tool discovery, and publishes its tools to
// the catalog. Connecting an already connected or connecting server is a
// no-op. A discovery failure tears the fresh connection down again.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	srv, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown server %q", id)
	}
	if srv.cfg.Disabled {
		r.mu.Unlock()
		return fmt.Errorf("server %q is disabled", id)
	}
	switch srv.status {
	case StatusConnecting, StatusConnected, StatusAuthenticating:
		r.mu.Unlock()
		return nil
	}
	srv.wantUp = true
	r.setStatusLocked(srv, StatusConnecting, nil)
	cfg := srv.cfg
	r.mu.Unlock()

	conn, err := r.open(ctx, cfg)
	if err != nil {
		r.setStatus(id, StatusError, err)
		return err
	}

	tools, err := conn.Tools(ctx)
	if err != nil {
		conn.Close()
		err = fmt.Errorf("tool discovery failed: %w", err)
		r.setStatus(id, StatusError, err)
		return err
	}

	if n, ok := conn.(notifier); ok {
		n.OnNotification(func(note mcp.JSONRPCNotification) {
			r.logger.Notification(note.Method, note.Params)
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if srv.status != StatusConnecting && srv.status != StatusAuthenticating {
		// Disconnected out from under us while dialing.
		conn.Close()
		return nil
	}
	srv.conn = conn
	srv.unhealthy = false
	srv.lastHealthy = time.Now()
	r.addToolsLocked(srv, tools)
	r.setStatusLocked(srv, StatusConnected, nil)
	r.logger.InfoVerbose("Connected to %s (%d tools)", id, len(tools))
	return nil
}

// open builds dial options, wiring the OAuth coordinator in for servers that
// need it. The callback port is bound before dialing so the redirect URI is
// fixed when the client is constructed; it is released again once the dial
// has settled without an interactive flow claiming it.
func (r *Registry) open(ctx context.Context, cfg config.ServerConfig) (Conn, error) {
	opts := transport.Options{Version: r.version}
	if cfg.OAuth != nil && r.coordinator != nil {
		sess, err := oauth.NewSession(cfg.ID)
		if err != nil {
			return nil, err
		}
		defer sess.Close()
		opts.RedirectURI = sess.RedirectURI()
		opts.Authorize = func(ctx context.Context, flow *mcptransport.OAuthHandler) error {
			r.setStatus(cfg.ID, StatusAuthenticating, nil)
			return r.coordinator.Authorize(ctx, sess, flow)
		}
	}
	return r.dial(ctx, cfg, opts)
}

// Disconnect closes a server's connection and removes its tools from the
// catalog. Safe to call on a server in any state.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	srv, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown server %q", id)
	}
	srv.wantUp = false
	srv.unhealthy = false
	conn := srv.conn
	srv.conn = nil
	r.removeToolsLocked(srv)
	r.setStatusLocked(srv, StatusDisconnected, nil)
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// Resolve maps a catalog tool name to its entry and the live connection that
// serves it.
func (r *Registry) Resolve(name string) (Tool, Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.catalog[name]
	if !ok {
		return Tool{}, nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	srv := r.servers[tool.ServerID]
	if srv == nil || srv.conn == nil || srv.status != StatusConnected {
		return Tool{}, nil, fmt.Errorf("server %s is not connected", tool.ServerID)
	}
	return tool, srv.conn, nil
}

// Catalog returns the aggregated tool list, sorted by name.
func (r *Registry) Catalog() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.catalog))
	for _, t := range r.catalog {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Statuses returns a snapshot of every server in configuration order.
func (r *Registry) Statuses() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerStatus, 0, len(r.order))
	for _, id := range r.order {
		srv := r.servers[id]
		out = append(out, ServerStatus{
			ID:          id,
			Transport:   srv.cfg.Type,
			Status:      srv.status,
			Err:         srv.lastErr,
			LastHealthy: srv.lastHealthy,
			Tools:       len(srv.toolNames),
		})
	}
	return out
}

// ReportFailure lets callers feed request-time errors back into connection
// state. Only disconnection-class errors tear the server down; tool-level
// failures are the caller's to handle.
func (r *Registry) ReportFailure(id string, err error) {
	if !transport.IsDisconnected(err) {
		return
	}
	r.markUnhealthy(id, err)
}

// StartHealth begins the periodic health loop. Connected servers are probed
// each interval; failures disconnect them and remove their tools. Servers
// that were lost (rather than manually disconnected) get one reconnect
// attempt per cycle.
func (r *Registry) StartHealth(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.healthCancel = cancel
	r.healthDone = make(chan struct{})

	go func() {
		defer close(r.healthDone)
		ticker := time.NewTicker(r.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// sweep runs one health cycle: concurrent probes of connected servers plus
// reconnect attempts for lost ones.
func (r *Registry) sweep(ctx context.Context) {
	type target struct {
		id   string
		conn Conn
	}

	r.mu.RLock()
	var probes []target
	var revive []string
	for id, srv := range r.servers {
		switch {
		case srv.status == StatusConnected && srv.conn != nil:
			probes = append(probes, target{id: id, conn: srv.conn})
		case srv.wantUp && srv.unhealthy && srv.status == StatusDisconnected:
			revive = append(revive, id)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p target) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			if err := p.conn.Probe(pctx); err != nil {
				r.markUnhealthy(p.id, err)
			} else {
				r.touch(p.id)
			}
		}(p)
	}
	for _, id := range revive {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Connect(ctx, id); err != nil {
				r.logger.WarningVerbose("Reconnect of %s failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// markUnhealthy transitions a connected server to disconnected exactly once,
// removing its tools and closing its connection.
func (r *Registry) markUnhealthy(id string, err error) {
	r.mu.Lock()
	srv, ok := r.servers[id]
	if !ok || srv.status != StatusConnected {
		r.mu.Unlock()
		return
	}
	conn := srv.conn
	srv.conn = nil
	srv.unhealthy = true
	r.removeToolsLocked(srv)
	r.setStatusLocked(srv, StatusDisconnected, err)
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	r.logger.Warning("Server %s failed health check: %v", id, err)
}

func (r *Registry) touch(id string) {
	r.mu.Lock()
	if srv, ok := r.servers[id]; ok && srv.status == StatusConnected {
		srv.lastHealthy = time.Now()
	}
	r.mu.Unlock()
}

// Close stops the health loop and disconnects every server. Pending requests
// on closing connections fail with a disconnection error.
func (r *Registry) Close() {
	if r.healthCancel != nil {
		r.healthCancel()
		<-r.healthDone
	}

	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}

func (r *Registry) setStatus(id string, st Status, err error) {
	r.mu.Lock()
	if srv, ok := r.servers[id]; ok {
		r.setStatusLocked(srv, st, err)
	}
	r.mu.Unlock()
}

// setStatusLocked records a transition and emits one event for it. Setting
// the current status again updates lastErr without emitting.
func (r *Registry) setStatusLocked(srv *server, st Status, err error) {
	srv.lastErr = err
	if srv.status == st {
		return
	}
	srv.status = st
	select {
	case r.events <- StatusEvent{ServerID: srv.cfg.ID, Status: st, Err: err}:
	default:
	}
}

// addToolsLocked publishes a server's tools to the catalog. A name already
// claimed by another server is disambiguated with a server-id prefix.
func (r *Registry) addToolsLocked(srv *server, tools []mcp.Tool) {
	srv.toolNames = srv.toolNames[:0]
	for _, t := range tools {
		name := t.Name
		if owner, taken := r.catalog[name]; taken && owner.ServerID != srv.cfg.ID {
			name = srv.cfg.ID + "_" + t.Name
			r.logger.InfoVerbose("Tool name collision: %s from %s exposed as %s", t.Name, srv.cfg.ID, name)
		}
		r.catalog[name] = Tool{
			Name:        name,
			RemoteName:  t.Name,
			ServerID:    srv.cfg.ID,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		srv.toolNames = append(srv.toolNames, name)
	}
}

func (r *Registry) removeToolsLocked(srv *server) {
	for _, name := range srv.toolNames {
		delete(r.catalog, name)
	}
	srv.toolNames = nil
}
