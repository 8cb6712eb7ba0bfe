// Package logging provides formatted logging with color support and
// JSON-RPC message tracking.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// ANSI color codes used when color output is enabled.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger writes formatted, optionally colored log lines. The jsonRPC flag
// additionally echoes full JSON-RPC requests, responses, and notifications.
type Logger struct {
	verbose bool
	color   bool
	jsonRPC bool

	mu  sync.Mutex
	out io.Writer
}

// NewLogger creates a Logger writing to stdout.
func NewLogger(verbose, color, jsonRPC bool) *Logger {
	return NewLoggerWithWriter(verbose, color, jsonRPC, os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// Used by tests to capture output.
func NewLoggerWithWriter(verbose, color, jsonRPC bool, w io.Writer) *Logger {
	return &Logger{
		verbose: verbose,
		color:   color,
		jsonRPC: jsonRPC,
		out:     w,
	}
}

func (l *Logger) write(color, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.color && color != "" {
		fmt.Fprintf(l.out, "%s%s%s%s\n", color, prefix, msg, colorReset)
	} else {
		fmt.Fprintf(l.out, "%s%s\n", prefix, msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(colorCyan, "ℹ ", format, args...)
}

// InfoVerbose logs an informational message only when verbose is enabled.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Info(format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.write(colorGreen, "✓ ", format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(colorYellow, "⚠ ", format, args...)
}

// WarningVerbose logs a warning only when verbose is enabled.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Warning(format, args...)
}

// Verbose reports whether verbose logging is enabled.
func (l *Logger) Verbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// SetVerbose toggles verbose logging at runtime.
func (l *Logger) SetVerbose(v bool) {
	l.mu.Lock()
	l.verbose = v
	l.mu.Unlock()
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(colorRed, "✗ ", format, args...)
}

// Request logs an outgoing JSON-RPC request when JSON-RPC logging is enabled.
func (l *Logger) Request(method string, params interface{}) {
	if !l.jsonRPC {
		return
	}
	l.write(colorGray, "→ ", "%s %s", method, prettyJSON(params))
}

// Response logs an incoming JSON-RPC response when JSON-RPC logging is enabled.
func (l *Logger) Response(method string, result interface{}) {
	if !l.jsonRPC {
		return
	}
	l.write(colorGray, "← ", "%s %s", method, prettyJSON(result))
}

// Notification logs an unsolicited JSON-RPC notification when JSON-RPC
// logging is enabled.
func (l *Logger) Notification(method string, params interface{}) {
	if !l.jsonRPC {
		return
	}
	l.write(colorGray, "⇠ ", "%s %s", method, prettyJSON(params))
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
