// Package devicemcp speaks MCP to the device itself, tunnelled as JSON-RPC
// 2.0 payloads inside {"type":"mcp"} messages on the device WebSocket.
//
// The request id scheme is fixed: id 1 is initialize, id 2 is tools/list
// (pagination continuations reuse id 2), and tool calls count monotonically
// upward from 3. Responses are correlated through a pending-call table of
// id → result channel; each call times out after 30 seconds by default.
package devicemcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/pkg/types"
)

const (
	idInitialize = 1
	idToolsList  = 2
	firstCallID  = 3

	protocolVersion = "2024-11-05"

	defaultCallTimeout = 30 * time.Second
)

// ErrNotReady is returned when a tool is dispatched before the device
// finished reporting its tool list.
var ErrNotReady = errors.New("devicemcp: client not ready yet")

var _ tool.Source = (*Client)(nil)

// SendFunc writes one JSON-RPC payload to the device, wrapped in the
// {"type":"mcp","payload":…} envelope by the connection layer.
type SendFunc func(ctx context.Context, payload any) error

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithCallTimeout overrides the per-call timeout (default 30 s).
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithReadyFunc registers a callback invoked once the full tool list has been
// ingested. The connection layer uses it to refresh the LLM function list.
func WithReadyFunc(fn func()) Option {
	return func(c *Client) { c.onReady = fn }
}

// rpcOutcome carries a call response or error through the pending table.
type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Client is the device-side MCP tool source for a single connection.
// The zero value is not usable; create instances with [NewClient].
type Client struct {
	send    SendFunc
	timeout time.Duration
	onReady func()

	mu      sync.Mutex
	ready   bool
	nextID  int64
	pending map[int64]chan rpcOutcome
	table   *tool.NameTable
	defs    map[string]types.ToolDefinition
	order   []string
}

// NewClient creates a Client that writes through send.
func NewClient(send SendFunc, opts ...Option) *Client {
	c := &Client{
		send:    send,
		timeout: defaultCallTimeout,
		nextID:  firstCallID,
		pending: make(map[int64]chan rpcOutcome),
		table:   tool.NewNameTable(),
		defs:    make(map[string]types.ToolDefinition),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- outbound requests ----

// rpcRequest is one JSON-RPC 2.0 request payload.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Initialize sends the initialize handshake (id 1) followed by the first
// tools/list request (id 2). Responses arrive later via [Client.HandleMessage].
func (c *Client) Initialize(ctx context.Context) error {
	init := rpcRequest{
		JSONRPC: "2.0",
		ID:      idInitialize,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"roots":    map[string]any{"listChanged": true},
				"sampling": map[string]any{},
			},
			"clientInfo": map[string]any{
				"name":    "echolink",
				"version": "1.0.0",
			},
		},
	}
	if err := c.send(ctx, init); err != nil {
		return fmt.Errorf("devicemcp: send initialize: %w", err)
	}

	list := rpcRequest{JSONRPC: "2.0", ID: idToolsList, Method: "tools/list"}
	if err := c.send(ctx, list); err != nil {
		return fmt.Errorf("devicemcp: send tools/list: %w", err)
	}
	return nil
}

// requestMoreTools sends a tools/list continuation. Continuations keep id 2
// so the response routes back into the list handler.
func (c *Client) requestMoreTools(ctx context.Context, cursor string) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      idToolsList,
		Method:  "tools/list",
		Params:  map[string]any{"cursor": cursor},
	}
	return c.send(ctx, req)
}

// ---- inbound routing ----

// rpcEnvelope is the subset of a JSON-RPC response the router needs.
type rpcEnvelope struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HandleMessage routes one JSON-RPC payload received from the device.
// Unknown ids and device-originated requests are logged and ignored.
func (c *Client) HandleMessage(ctx context.Context, payload json.RawMessage) error {
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("devicemcp: malformed payload: %w", err)
	}

	switch {
	case env.Error != nil:
		c.rejectPending(env.ID, fmt.Errorf("devicemcp: device error: %s", env.Error.Message))
		return nil

	case env.Result != nil:
		if c.resolvePending(env.ID, env.Result) {
			return nil
		}
		switch env.ID {
		case idInitialize:
			c.handleInitializeResult(env.Result)
		case idToolsList:
			return c.handleToolsListResult(ctx, env.Result)
		}
		return nil

	case env.Method != "":
		slog.Info("device MCP request ignored", "method", env.Method)
		return nil
	}
	return nil
}

// handleInitializeResult logs the device's MCP server identity.
func (c *Client) handleInitializeResult(result json.RawMessage) {
	var r struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &r); err == nil && r.ServerInfo.Name != "" {
		slog.Debug("device MCP server", "name", r.ServerInfo.Name, "version", r.ServerInfo.Version)
	}
}

// deviceTool is one tool entry from a tools/list result.
type deviceTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	} `json:"inputSchema"`
}

// handleToolsListResult ingests one page of the device tool catalogue. When a
// nextCursor is present the next page is requested (id 2 again); otherwise
// descriptions are rewritten to sanitized names and the client becomes ready.
func (c *Client) handleToolsListResult(ctx context.Context, result json.RawMessage) error {
	var r struct {
		Tools      []deviceTool `json:"tools"`
		NextCursor string       `json:"nextCursor"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return fmt.Errorf("devicemcp: malformed tools/list result: %w", err)
	}

	c.mu.Lock()
	for _, t := range r.Tools {
		if t.Name == "" {
			continue
		}
		sanitized := c.table.Register(t.Name)
		schemaType := t.InputSchema.Type
		if schemaType == "" {
			schemaType = "object"
		}
		props := t.InputSchema.Properties
		if props == nil {
			props = map[string]any{}
		}
		required := t.InputSchema.Required
		if required == nil {
			required = []string{}
		}
		if _, exists := c.defs[sanitized]; !exists {
			c.order = append(c.order, sanitized)
		}
		c.defs[sanitized] = types.ToolDefinition{
			Name:        sanitized,
			Description: t.Description,
			Parameters: map[string]any{
				"type":       schemaType,
				"properties": props,
				"required":   required,
			},
		}
	}
	c.mu.Unlock()

	if r.NextCursor != "" {
		return c.requestMoreTools(ctx, r.NextCursor)
	}

	c.mu.Lock()
	for name, def := range c.defs {
		def.Description = c.table.RewriteDescription(def.Description)
		c.defs[name] = def
	}
	c.ready = true
	n := len(c.defs)
	onReady := c.onReady
	c.mu.Unlock()

	slog.Info("device MCP tools ready", "count", n)
	if onReady != nil {
		onReady()
	}
	return nil
}

// ---- pending table ----

func (c *Client) registerPending(id int64) chan rpcOutcome {
	ch := make(chan rpcOutcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) resolvePending(id int64, result json.RawMessage) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- rpcOutcome{result: result}
	}
	return ok
}

func (c *Client) rejectPending(id int64, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- rpcOutcome{err: err}
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ---- tool.Source ----

// Ready reports whether the full tool list has been ingested.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Functions implements [tool.Source]. Before the list finalizes it returns
// nil so half-ingested catalogues never reach the LLM.
func (c *Client) Functions() []types.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}
	out := make([]types.ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.defs[name])
	}
	return out
}

// Has implements [tool.Source].
func (c *Client) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.defs[name]
	return ok
}

// Dispatch implements [tool.Source]. It sends tools/call with the original
// tool name and blocks until the device answers or the timeout elapses.
func (c *Client) Dispatch(ctx context.Context, _ tool.Conn, name, args string) (tool.Result, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return tool.Result{}, ErrNotReady
	}
	if _, ok := c.defs[name]; !ok {
		c.mu.Unlock()
		return tool.Result{
			Action:   tool.ActionNotFound,
			Response: fmt.Sprintf("Tool %s does not exist", name),
		}, nil
	}
	original := c.table.Original(name)
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	arguments, err := parseArguments(args)
	if err != nil {
		return tool.Result{}, fmt.Errorf("devicemcp: tool %q: %w", name, err)
	}

	ch := c.registerPending(id)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/call",
		Params:  map[string]any{"name": original, "arguments": arguments},
	}
	if err := c.send(ctx, req); err != nil {
		c.dropPending(id)
		return tool.Result{}, fmt.Errorf("devicemcp: send tools/call: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return tool.Result{}, out.err
		}
		text, err := extractCallText(out.result)
		if err != nil {
			return tool.Result{}, fmt.Errorf("devicemcp: tool %q: %w", name, err)
		}
		return tool.Result{Action: tool.ActionReqLLM, Result: text}, nil

	case <-timer.C:
		c.dropPending(id)
		return tool.Result{}, fmt.Errorf("devicemcp: tool %q timed out after %s", name, c.timeout)

	case <-ctx.Done():
		c.dropPending(id)
		return tool.Result{}, fmt.Errorf("devicemcp: tool %q: %w", name, ctx.Err())
	}
}

// Close implements [tool.Source]. Outstanding calls are rejected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcOutcome{err: errors.New("devicemcp: client closed")}
		delete(c.pending, id)
	}
	c.ready = false
	return nil
}

// ---- helpers ----

// extractCallText pulls the first text content out of a tools/call result.
// isError results surface as errors.
func extractCallText(result json.RawMessage) (string, error) {
	var r struct {
		IsError bool `json:"isError"`
		Error   any  `json:"error"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		// Not the expected shape; hand the raw JSON to the LLM.
		return string(result), nil
	}
	if r.IsError {
		return "", fmt.Errorf("tool call error: %v", r.Error)
	}
	if len(r.Content) > 0 && r.Content[0].Text != "" {
		return r.Content[0].Text, nil
	}
	return string(result), nil
}

// jsonObjectRE matches non-nested JSON object literals. Some models emit
// several concatenated objects as tool arguments; the fragments are merged.
var jsonObjectRE = regexp.MustCompile(`\{[^{}]*\}`)

// parseArguments decodes a tool argument string into a JSON object. Empty
// input yields an empty object. When direct parsing fails, every embedded
// object literal is parsed and merged in order.
func parseArguments(args string) (map[string]any, error) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
		return m, nil
	}

	merged := make(map[string]any)
	for _, frag := range jsonObjectRE.FindAllString(trimmed, -1) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(frag), &obj); err != nil {
			continue
		}
		for k, v := range obj {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("arguments are not valid JSON: %q", args)
	}
	return merged, nil
}
