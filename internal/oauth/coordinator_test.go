package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/store"
)

// fakeFlow is a scripted Flow implementation.
type fakeFlow struct {
	mu           sync.Mutex
	clientID     string
	registerErr  error
	exchangeErr  error
	authURLErr   error
	lastState    string
	exchanged    bool
	exchangedKey string // code passed to the exchange
}

func (f *fakeFlow) GetClientID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientID
}

func (f *fakeFlow) RegisterClient(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.clientID = "registered-client"
	return nil
}

func (f *fakeFlow) GetAuthorizationURL(_ context.Context, state, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authURLErr != nil {
		return "", f.authURLErr
	}
	f.lastState = state
	return "https://auth.example.com/authorize?state=" + state, nil
}

func (f *fakeFlow) ProcessAuthorizationResponse(_ context.Context, code, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.exchanged = true
	f.exchangedKey = code
	return nil
}

func (f *fakeFlow) state() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastState
}

func newTestCoordinator(st store.Store) *Coordinator {
	c := NewCoordinator(logging.NewLoggerWithWriter(false, false, false, io.Discard), st)
	c.openBrowser = func(string) error { return nil } // never launch a real browser
	return c
}

// deliverCallback simulates the browser redirect hitting the local listener.
func deliverCallback(t *testing.T, sess *Session, params url.Values) {
	t.Helper()

	u := fmt.Sprintf("http://127.0.0.1:%d%s?%s", sess.Port, CallbackPath, params.Encode())
	var lastErr error
	for i := 0; i < 50; i++ {
		resp, err := http.Get(u)
		if err == nil {
			resp.Body.Close()
			return
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("callback never delivered: %v", lastErr)
}

func TestAuthorizeSuccess(t *testing.T) {
	sess, err := NewSession("github")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	st := store.NewMemory()
	coord := newTestCoordinator(st)
	flow := &fakeFlow{clientID: "preconfigured"}

	done := make(chan error, 1)
	go func() { done <- coord.Authorize(context.Background(), sess, flow) }()

	// Wait for the flow to record its state nonce, then answer the callback.
	var nonce string
	for i := 0; i < 100; i++ {
		if nonce = flow.state(); nonce != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if nonce == "" {
		t.Fatal("authorization URL never requested")
	}
	deliverCallback(t, sess, url.Values{"code": {"abc123"}, "state": {nonce}})

	if err := <-done; err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if sess.State() != StateComplete {
		t.Errorf("expected state complete, got %s", sess.State())
	}
	if !flow.exchanged || flow.exchangedKey != "abc123" {
		t.Error("expected authorization code to be exchanged")
	}
	if _, ok := st.Get(store.KeyOAuthTokenPrefix + "github"); !ok {
		t.Error("expected authorization record to be persisted")
	}
}

func TestAuthorizeRunsDynamicRegistration(t *testing.T) {
	sess, err := NewSession("notion")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	coord := newTestCoordinator(store.NewMemory())
	flow := &fakeFlow{} // no client id configured

	done := make(chan error, 1)
	go func() { done <- coord.Authorize(context.Background(), sess, flow) }()

	var nonce string
	for i := 0; i < 100; i++ {
		if nonce = flow.state(); nonce != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	deliverCallback(t, sess, url.Values{"code": {"c"}, "state": {nonce}})

	if err := <-done; err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if flow.GetClientID() != "registered-client" {
		t.Error("expected dynamic client registration to run")
	}
}

func TestAuthorizeStateMismatch(t *testing.T) {
	sess, err := NewSession("github")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	st := store.NewMemory()
	coord := newTestCoordinator(st)
	flow := &fakeFlow{clientID: "x"}

	done := make(chan error, 1)
	go func() { done <- coord.Authorize(context.Background(), sess, flow) }()

	for i := 0; i < 100; i++ {
		if flow.state() != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	deliverCallback(t, sess, url.Values{"code": {"abc"}, "state": {"forged"}})

	err = <-done
	if err == nil {
		t.Fatal("expected state mismatch error")
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *oauth.Error, got %T", err)
	}
	if flow.exchanged {
		t.Error("code must not be exchanged on state mismatch")
	}
	if _, ok := st.Get(store.KeyOAuthTokenPrefix + "github"); ok {
		t.Error("no record may be persisted on failure")
	}
	if sess.State() != StateFailed {
		t.Errorf("expected failed state, got %s", sess.State())
	}

	// Listener must be closed after the attempt.
	waitForPortClosed(t, sess.Port)
}

func TestAuthorizeTimeoutClosesListener(t *testing.T) {
	sess, err := NewSession("slow")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	coord := newTestCoordinator(store.NewMemory())
	coord.timeout = 50 * time.Millisecond
	flow := &fakeFlow{clientID: "x"}

	err = coord.Authorize(context.Background(), sess, flow)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if sess.State() != StateFailed {
		t.Errorf("expected failed state, got %s", sess.State())
	}
	waitForPortClosed(t, sess.Port)
}

func TestAuthorizeRegistrationFailure(t *testing.T) {
	sess, err := NewSession("broken")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	defer sess.Close()

	coord := newTestCoordinator(store.NewMemory())
	flow := &fakeFlow{registerErr: errors.New("registration disabled")}

	err = coord.Authorize(context.Background(), sess, flow)
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *oauth.Error, got %v", err)
	}
	if oerr.State != StateRegisteringClient {
		t.Errorf("expected registering-client failure, got %s", oerr.State)
	}
}

func TestSessionRedirectURI(t *testing.T) {
	sess, err := NewSession("s")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess.Close()

	want := fmt.Sprintf("http://localhost:%d/callback", sess.Port)
	if sess.RedirectURI() != want {
		t.Errorf("RedirectURI() = %q, want %q", sess.RedirectURI(), want)
	}
	if sess.Port < BasePort {
		t.Errorf("port %d below base %d", sess.Port, BasePort)
	}
}

func TestSessionHoldsPort(t *testing.T) {
	sess, err := NewSession("held")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess.Close()

	// Nothing else may claim the port between session creation and the flow.
	if l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", sess.Port)); err == nil {
		l.Close()
		t.Fatal("callback port not held by the session")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitForPortClosed(t, sess.Port)
}

func waitForPortClosed(t *testing.T, port int) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for i := 0; i < 100; i++ {
		conn, err := net.DialTimeout("tcp", addr, 20*time.Millisecond)
		if err != nil {
			return // closed
		}
		conn.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("listener on %s still accepting connections", addr)
}
