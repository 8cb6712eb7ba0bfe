package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ConnectStage identifies which phase of connection setup failed.
type ConnectStage string

const (
	StageSpawn     ConnectStage = "spawn"
	StageStart     ConnectStage = "start"
	StageHandshake ConnectStage = "handshake"
	StageAuth      ConnectStage = "auth"
)

// ConnectError reports a failed connection attempt. It is surfaced as
// per-server status by the registry, never as a fatal application error.
type ConnectError struct {
	Server string
	Stage  ConnectStage
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s failed: %v", e.Server, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteError is a JSON-RPC error returned by the server for a request.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// ErrDisconnected is returned for requests issued on (or failed by) a
// connection that is no longer live. Pending requests on a closing
// connection all fail with this error.
var ErrDisconnected = errors.New("transport: disconnected")

// IsDisconnected reports whether err indicates the underlying session is
// gone and the connection should be torn down.
func IsDisconnected(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDisconnected) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "transport is closing") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "file already closed") ||
		strings.Contains(errMsg, "unexpected eof")
}
