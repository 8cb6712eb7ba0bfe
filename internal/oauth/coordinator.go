// Package oauth implements the PKCE authorization-code flow used to obtain
// bearer tokens for remote MCP servers: dynamic client registration when no
// client id is configured, a short-lived local callback listener, state
// nonce verification, and code exchange. Retrying the failed MCP operation
// after a successful exchange is the transport layer's job, not this
// package's.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"

	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/store"
)

const (
	// BasePort is the lowest local port considered for the callback
	// listener; NewSession scans upward from here for a free one.
	BasePort = 8765

	portScanLimit = 16

	// CallbackPath is the path component of the redirect URI.
	CallbackPath = "/callback"

	// DefaultTimeout bounds how long we wait for the user to complete the
	// browser flow.
	DefaultTimeout = 5 * time.Minute
)

// State is the coordinator's position in the authorization flow.
type State string

const (
	StateIdle                  State = "idle"
	StateDiscoveringMetadata   State = "discovering-metadata"
	StateRegisteringClient     State = "registering-client"
	StateAwaitingAuthorization State = "awaiting-authorization"
	StateExchangingCode        State = "exchanging-code"
	StateComplete              State = "complete"
	StateFailed                State = "failed"
)

// Error wraps any failure of the flow together with the state it occurred in.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("oauth failed during %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Session is one authorization attempt for one server. It exists only for
// the duration of the attempt; the callback port is bound at creation so
// the redirect URI is known before the MCP client is constructed, and the
// port cannot be claimed by anything else in the meantime.
type Session struct {
	ServerID string
	Port     int

	mu       sync.Mutex
	state    State
	listener net.Listener
}

// NewSession binds the callback listener on the first free port >= BasePort
// and returns a session in the idle state. The listener stays bound until a
// flow consumes it or Close releases it.
func NewSession(serverID string) (*Session, error) {
	for port := BasePort; port < BasePort+portScanLimit; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		return &Session{ServerID: serverID, Port: port, state: StateIdle, listener: l}, nil
	}
	return nil, fmt.Errorf("no free callback port in range %d-%d", BasePort, BasePort+portScanLimit-1)
}

// takeListener hands over the listener bound at creation. A later attempt on
// the same session rebinds the reserved port.
func (s *Session) takeListener() (net.Listener, error) {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l != nil {
		return l, nil
	}
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port))
}

// Close releases the reserved port if no flow consumed it.
func (s *Session) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// RedirectURI returns the redirect URI bound to this session's port.
func (s *Session) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", s.Port, CallbackPath)
}

// State returns the session's current flow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Flow is the slice of mcp-go's OAuth handler the coordinator drives.
// *transport.OAuthHandler satisfies it; tests use fakes.
type Flow interface {
	GetClientID() string
	RegisterClient(ctx context.Context, clientName string) error
	GetAuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error)
	ProcessAuthorizationResponse(ctx context.Context, code, state, codeVerifier string) error
}

// authRecord is what gets persisted to the credential store after a
// completed authorization. Bearer tokens themselves stay in the client's
// token store, which also handles refresh.
type authRecord struct {
	ClientID     string `json:"client_id"`
	AuthorizedAt string `json:"authorized_at"`
}

// Coordinator runs authorization flows. Safe for concurrent use; each call
// to Authorize operates on its own Session.
type Coordinator struct {
	logger  *logging.Logger
	store   store.Store
	timeout time.Duration

	// openBrowser is swappable for tests.
	openBrowser func(string) error

	// now is swappable for tests.
	now func() time.Time
}

// NewCoordinator creates a Coordinator with the default timeout.
func NewCoordinator(logger *logging.Logger, st store.Store) *Coordinator {
	return &Coordinator{
		logger:      logger,
		store:       st,
		timeout:     DefaultTimeout,
		openBrowser: openBrowser,
		now:         time.Now,
	}
}

// Authorize runs the flow to completion. The callback listener is torn down
// on every exit path. On success a record is written to the credential
// store under store.KeyOAuthTokenPrefix + serverID.
func (c *Coordinator) Authorize(ctx context.Context, sess *Session, flow Flow) error {
	fail := func(st State, err error) error {
		sess.setState(StateFailed)
		return &Error{State: st, Err: err}
	}

	// Endpoint discovery happens lazily inside the flow (well-known
	// metadata with documented fallbacks); surface it as a state anyway so
	// callers can report progress.
	sess.setState(StateDiscoveringMetadata)

	if flow.GetClientID() == "" {
		sess.setState(StateRegisteringClient)
		c.logger.Info("No client ID configured, attempting dynamic client registration...")
		if err := flow.RegisterClient(ctx, "mcp-chat"); err != nil {
			return fail(StateRegisteringClient, fmt.Errorf("client registration failed: %w", err))
		}
		c.logger.Success("Client registered with ID: %s", flow.GetClientID())
	}

	codeVerifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return fail(StateDiscoveringMetadata, fmt.Errorf("failed to generate code verifier: %w", err))
	}
	codeChallenge := client.GenerateCodeChallenge(codeVerifier)

	stateNonce, err := client.GenerateState()
	if err != nil {
		return fail(StateDiscoveringMetadata, fmt.Errorf("failed to generate state: %w", err))
	}

	authURL, err := flow.GetAuthorizationURL(ctx, stateNonce, codeChallenge)
	if err != nil {
		return fail(StateDiscoveringMetadata, fmt.Errorf("failed to build authorization URL: %w", err))
	}

	callbackChan := make(chan map[string]string, 1)
	errChan := make(chan error, 1)

	// Isolated mux so nothing leaks into http.DefaultServeMux.
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		params := make(map[string]string)
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		if params["error"] != "" {
			errChan <- fmt.Errorf("authorization error: %s - %s", params["error"], params["error_description"])
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}

		callbackChan <- params
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Authorization successful</h1><p>You can close this window.</p></body></html>`))
	})

	listener, err := sess.takeListener()
	if err != nil {
		return fail(StateAwaitingAuthorization, fmt.Errorf("callback listener: %w", err))
	}

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("callback server error: %w", err)
		}
	}()
	// Guaranteed teardown regardless of exit path.
	defer server.Shutdown(context.Background())

	sess.setState(StateAwaitingAuthorization)
	c.logger.Info("Opening browser for authorization of %s...", sess.ServerID)
	if err := c.openBrowser(authURL); err != nil {
		c.logger.Warning("Could not open browser automatically: %v", err)
		c.logger.Info("Please open this URL in your browser:")
		c.logger.Info("%s", authURL)
	}

	var params map[string]string
	select {
	case params = <-callbackChan:
	case err := <-errChan:
		return fail(StateAwaitingAuthorization, err)
	case <-time.After(c.timeout):
		return fail(StateAwaitingAuthorization, fmt.Errorf("authorization timed out after %v", c.timeout))
	case <-ctx.Done():
		return fail(StateAwaitingAuthorization, ctx.Err())
	}

	if params["state"] != stateNonce {
		return fail(StateAwaitingAuthorization, fmt.Errorf("state mismatch (CSRF protection)"))
	}

	code := params["code"]
	if code == "" {
		return fail(StateAwaitingAuthorization, fmt.Errorf("no authorization code received"))
	}

	sess.setState(StateExchangingCode)
	c.logger.Info("Exchanging authorization code for access token...")
	if err := flow.ProcessAuthorizationResponse(ctx, code, stateNonce, codeVerifier); err != nil {
		return fail(StateExchangingCode, fmt.Errorf("code exchange failed: %w", err))
	}

	record, _ := json.Marshal(authRecord{
		ClientID:     flow.GetClientID(),
		AuthorizedAt: c.now().UTC().Format(time.RFC3339),
	})
	if err := c.store.Set(store.KeyOAuthTokenPrefix+sess.ServerID, string(record)); err != nil {
		c.logger.Warning("Failed to persist authorization record: %v", err)
	}

	sess.setState(StateComplete)
	c.logger.Success("Access token obtained for %s", sess.ServerID)
	return nil
}

// openBrowser opens the URL in the user's default browser. Only http/https
// URLs are allowed.
func openBrowser(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme for browser: %s", parsedURL.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
