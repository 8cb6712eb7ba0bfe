// Package gateway executes model-requested tool calls against live MCP
// connections, enforcing the approval policy, a per-call timeout, and an
// output size cap. Every failure mode produces a well-formed result for the
// model; the gateway never panics a turn.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fenwick-labs/mcp-chat/internal/logging"
	"github.com/fenwick-labs/mcp-chat/internal/registry"
	"github.com/fenwick-labs/mcp-chat/internal/store"
)

const (
	// MaxOutputChars caps tool output relayed back to the model.
	MaxOutputChars = 20000

	truncationMarker = "\n[output truncated]"

	// DeniedMessage is the exact result content for a rejected call. The
	// model sees it as an error result and moves on.
	DeniedMessage = "Tool call denied by user"

	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 60 * time.Second
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is what goes back to the model for a call. IsError marks tool-level
// and gateway-level failures alike.
type Result struct {
	ID      string
	Content string
	IsError bool
}

// Decision is the user's answer to an approval prompt.
type Decision int

const (
	Deny Decision = iota
	ApproveOnce
	ApproveAlways
)

// DecisionFunc prompts the user for a decision on a call that has no
// standing approval. A nil DecisionFunc denies everything.
type DecisionFunc func(ctx context.Context, call Call) Decision

// Resolver maps catalog tool names to live connections. *registry.Registry
// satisfies it.
type Resolver interface {
	Resolve(name string) (registry.Tool, registry.Conn, error)
	ReportFailure(serverID string, err error)
}

// Gateway executes approved tool calls. Safe for concurrent use, though the
// chat loop drives it sequentially.
type Gateway struct {
	resolver Resolver
	store    store.Store
	logger   *logging.Logger
	decide   DecisionFunc
	timeout  time.Duration
}

// New builds a gateway with the default call timeout.
func New(resolver Resolver, st store.Store, logger *logging.Logger, decide DecisionFunc) *Gateway {
	return &Gateway{
		resolver: resolver,
		store:    st,
		logger:   logger,
		decide:   decide,
		timeout:  DefaultCallTimeout,
	}
}

// SetAutoApprove turns blanket approval on or off for the session.
func (g *Gateway) SetAutoApprove(on bool) error {
	if !on {
		return g.store.Delete(store.KeyApprovalAll)
	}
	return g.store.Set(store.KeyApprovalAll, "true")
}

// AutoApprove reports whether blanket approval is active.
func (g *Gateway) AutoApprove() bool {
	v, ok := g.store.Get(store.KeyApprovalAll)
	return ok && v == "true"
}

// ExecuteAll dispatches a batch of calls concurrently and reassembles the
// results in call order. An approval prompt suspends only its own call; one
// denial or failure does not stop the rest of the batch.
func (g *Gateway) ExecuteAll(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			results[i] = g.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Approve runs the approval policy for a call without executing anything.
// The server-assisted chat mode uses this to answer approval requests for
// tools the backend executes on its side.
func (g *Gateway) Approve(ctx context.Context, call Call) bool {
	return g.approved(ctx, call)
}

// Execute runs one call end to end: approval, resolution, invocation with
// timeout, output capping. The returned Result is always valid.
func (g *Gateway) Execute(ctx context.Context, call Call) Result {
	if !g.approved(ctx, call) {
		g.logger.InfoVerbose("Tool call %s denied", call.Name)
		return Result{ID: call.ID, Content: DeniedMessage, IsError: true}
	}

	tool, conn, err := g.resolver.Resolve(call.Name)
	if err != nil {
		return Result{ID: call.ID, Content: err.Error(), IsError: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := conn.Call(callCtx, tool.RemoteName, call.Args)
	if err != nil {
		g.resolver.ReportFailure(tool.ServerID, err)
		if callCtx.Err() == context.DeadlineExceeded {
			return Result{
				ID:      call.ID,
				Content: fmt.Sprintf("tool call timed out after %v", g.timeout),
				IsError: true,
			}
		}
		return Result{ID: call.ID, Content: err.Error(), IsError: true}
	}

	return Result{
		ID:      call.ID,
		Content: truncate(flatten(result)),
		IsError: result.IsError,
	}
}

// approved applies the read-through approval policy: blanket approval, then
// a per-tool standing approval, then an interactive prompt. An
// approve-always answer is persisted before the call runs.
func (g *Gateway) approved(ctx context.Context, call Call) bool {
	if v, ok := g.store.Get(store.KeyApprovalAll); ok && v == "true" {
		return true
	}
	if v, ok := g.store.Get(store.KeyApprovalPrefix + call.Name); ok && v == "always" {
		return true
	}
	if g.decide == nil {
		return false
	}
	switch g.decide(ctx, call) {
	case ApproveOnce:
		return true
	case ApproveAlways:
		if err := g.store.Set(store.KeyApprovalPrefix+call.Name, "always"); err != nil {
			g.logger.Warning("Failed to persist approval for %s: %v", call.Name, err)
		}
		return true
	default:
		return false
	}
}

// flatten joins a result's text content blocks. Non-text blocks are noted by
// kind rather than dropped silently.
func flatten(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, textContent.Text)
		} else if imageContent, ok := mcp.AsImageContent(content); ok {
			parts = append(parts, fmt.Sprintf("[Image: MIME type %s, %d bytes]", imageContent.MIMEType, len(imageContent.Data)))
		} else if audioContent, ok := mcp.AsAudioContent(content); ok {
			parts = append(parts, fmt.Sprintf("[Audio: MIME type %s, %d bytes]", audioContent.MIMEType, len(audioContent.Data)))
		}
	}
	return strings.Join(parts, "\n")
}

// truncate caps output past the size limit, marking the cut. The cut backs
// off to a rune boundary so no multi-byte character is split.
func truncate(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	cut := MaxOutputChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
