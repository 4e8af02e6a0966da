// Package tool unifies the gateway's tool sources behind a single registry.
//
// Three kinds of sources feed the registry: in-process functions
// (internal/tool/local), external MCP servers reached over stdio, SSE, or
// streamable HTTP (internal/tool/mcphost), and the device's own MCP endpoint
// tunnelled through its WebSocket (internal/tool/devicemcp). The registry
// exposes one merged function list for LLM requests and routes each dispatch
// to the source that owns the tool.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/echolink/pkg/types"
)

// Action tells the turn engine what to do with a tool result.
type Action int

const (
	// ActionNotFound indicates no source knows the requested tool.
	ActionNotFound Action = iota

	// ActionNone indicates the tool ran for its side effect only; nothing is
	// spoken and the LLM is not re-invoked.
	ActionNone

	// ActionResponse indicates the result text is spoken directly.
	ActionResponse

	// ActionReqLLM indicates the result is fed back to the LLM for a
	// follow-up completion.
	ActionReqLLM

	// ActionError indicates the tool failed; the error text is spoken.
	ActionError
)

// String returns the action name for logging.
func (a Action) String() string {
	switch a {
	case ActionNotFound:
		return "NOTFOUND"
	case ActionNone:
		return "NONE"
	case ActionResponse:
		return "RESPONSE"
	case ActionReqLLM:
		return "REQLLM"
	case ActionError:
		return "ERROR"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Result is the outcome of a single tool dispatch.
type Result struct {
	// Action selects the dispatch policy for this result.
	Action Action

	// Response is text to speak directly (RESPONSE/NOTFOUND/ERROR).
	Response string

	// Result is raw tool output destined for the LLM (REQLLM), also used as
	// the spoken fallback when Response is empty.
	Result string
}

// SpokenText returns the text the dispatch policy would speak for this
// result: Response when set, otherwise Result.
func (r Result) SpokenText() string {
	if r.Response != "" {
		return r.Response
	}
	return r.Result
}

// Conn is the slice of connection behaviour tools are allowed to touch.
// The concrete connection handler implements it; tests use lightweight fakes.
type Conn interface {
	// DeviceID returns the device identifier of the connection.
	DeviceID() string

	// SessionID returns the current session identifier.
	SessionID() string

	// SendJSON writes a JSON control message to the device.
	SendJSON(ctx context.Context, v any) error

	// RequestClose asks the connection to shut down after the current turn
	// finishes speaking. Used by the exit intent.
	RequestClose(reason string)
}

// Source provides tool definitions and executes calls for one backend.
type Source interface {
	// Functions returns the source's tool definitions with sanitized names.
	Functions() []types.ToolDefinition

	// Has reports whether the source owns the named (sanitized) tool.
	Has(name string) bool

	// Dispatch executes the named tool. A Result is returned even for
	// application-level failures; a non-nil error means the source itself
	// broke (transport failure, timeout).
	Dispatch(ctx context.Context, conn Conn, name, args string) (Result, error)

	// Close releases the source's resources.
	Close() error
}

// Registry merges multiple tool sources. Sources are consulted in
// registration order, so earlier sources shadow later ones on name clashes.
//
// All methods are safe for concurrent use; sources may be added while
// dispatches are in flight (the device MCP source finishes its tool listing
// asynchronously).
type Registry struct {
	mu      sync.RWMutex
	sources []Source
}

// NewRegistry creates a Registry over the given sources.
func NewRegistry(sources ...Source) *Registry {
	return &Registry{sources: sources}
}

// Add appends a source to the registry.
func (r *Registry) Add(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Functions returns the merged tool list across all sources. On a name clash
// the earliest-registered source wins.
func (r *Registry) Functions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []types.ToolDefinition
	for _, src := range r.sources {
		for _, def := range src.Functions() {
			if seen[def.Name] {
				continue
			}
			seen[def.Name] = true
			out = append(out, def)
		}
	}
	return out
}

// Dispatch routes the call to the first source that owns the tool. When no
// source does, a NOTFOUND result is returned without error.
func (r *Registry) Dispatch(ctx context.Context, conn Conn, name, args string) (Result, error) {
	r.mu.RLock()
	var target Source
	for _, src := range r.sources {
		if src.Has(name) {
			target = src
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return Result{
			Action:   ActionNotFound,
			Response: fmt.Sprintf("Tool %s does not exist", name),
		}, nil
	}
	return target.Dispatch(ctx, conn, name, args)
}

// Close closes every source, returning the first error encountered.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, src := range r.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.sources = nil
	return firstErr
}
