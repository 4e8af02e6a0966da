// Package mcphost connects the gateway to external MCP servers using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk) and exposes
// their tools as a [tool.Source].
//
// Servers are described in data/.mcp_server_settings.json and reached over
// stdio (command), SSE, or streamable HTTP (url + transport). Tool names are
// sanitized on import; dispatch resolves the original name through a
// per-server name table. Failed dispatches are retried up to three times with
// a two-second backoff, reconnecting the server session between attempts.
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/pkg/types"
)

const (
	// dispatchRetries is how many attempts a tool call gets in total.
	dispatchRetries = 3

	// retryBackoff is the pause between dispatch attempts.
	retryBackoff = 2 * time.Second
)

var _ tool.Source = (*Host)(nil)

// serverConn holds one live MCP server connection and its imported tools.
type serverConn struct {
	cfg     ServerConfig
	session *mcpsdk.ClientSession
	table   *tool.NameTable
	defs    map[string]types.ToolDefinition // key: sanitized name
	order   []string
}

// Host is the server-MCP tool source. The zero value is not usable; create
// instances with [New] and connect servers with [Host.RegisterServers].
type Host struct {
	client *mcpsdk.Client

	mu      sync.RWMutex
	servers map[string]*serverConn
}

// New creates a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "echolink-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		client:  client,
		servers: make(map[string]*serverConn),
	}
}

// RegisterServers connects every configured server and imports its tool
// catalogue. A server that fails to connect is skipped with a logged error so
// one broken server cannot take down the rest of the tool surface.
func (h *Host) RegisterServers(ctx context.Context, servers map[string]ServerConfig) {
	for name, cfg := range servers {
		if err := h.registerServer(ctx, name, cfg); err != nil {
			slog.Error("failed to initialise MCP server", "server", name, "err", err)
			continue
		}
		slog.Info("MCP server connected", "server", name, "tools", h.toolCount(name))
	}
}

// registerServer connects one server and imports its tools, replacing any
// previous connection with the same name.
func (h *Host) registerServer(ctx context.Context, name string, cfg ServerConfig) error {
	if err := cfg.validate(name); err != nil {
		return err
	}

	session, err := h.connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w", name, err)
	}

	table := tool.NewNameTable()
	defs := make(map[string]types.ToolDefinition)
	var order []string

	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools for server %q: %w", name, err)
		}
		sanitized := table.Register(t.Name)
		defs[sanitized] = types.ToolDefinition{
			Name:        sanitized,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		order = append(order, sanitized)
	}

	// Rewrite descriptions so the LLM only sees sanitized identifiers.
	for sanitized, def := range defs {
		def.Description = table.RewriteDescription(def.Description)
		defs[sanitized] = def
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[name]; ok {
		_ = old.session.Close()
	}
	h.servers[name] = &serverConn{
		cfg:     cfg,
		session: session,
		table:   table,
		defs:    defs,
		order:   order,
	}
	return nil
}

// connect builds the transport implied by cfg and opens a session.
func (h *Host) connect(ctx context.Context, cfg ServerConfig) (*mcpsdk.ClientSession, error) {
	var transport mcpsdk.Transport

	switch {
	case cfg.Command != "":
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case strings.EqualFold(cfg.Transport, "streamable-http") || strings.EqualFold(cfg.Transport, "http"):
		transport = &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(cfg.Headers),
		}

	default:
		// SSE is the historical default for url-based servers.
		transport = &mcpsdk.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(cfg.Headers),
		}
	}

	return h.client.Connect(ctx, transport, nil)
}

// Functions implements [tool.Source].
func (h *Host) Functions() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []types.ToolDefinition
	for _, srv := range h.servers {
		for _, name := range srv.order {
			out = append(out, srv.defs[name])
		}
	}
	return out
}

// Has implements [tool.Source].
func (h *Host) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.find(name) != nil
}

// find returns the server owning the sanitized tool name. Caller holds h.mu.
func (h *Host) find(name string) *serverConn {
	for _, srv := range h.servers {
		if _, ok := srv.defs[name]; ok {
			return srv
		}
	}
	return nil
}

// Dispatch implements [tool.Source]. The call is retried with reconnection
// between attempts; tool output is returned as REQLLM so the model can phrase
// the final answer.
func (h *Host) Dispatch(ctx context.Context, _ tool.Conn, name, args string) (tool.Result, error) {
	h.mu.RLock()
	var serverName string
	var srv *serverConn
	for n, s := range h.servers {
		if _, ok := s.defs[name]; ok {
			serverName, srv = n, s
			break
		}
	}
	h.mu.RUnlock()

	if srv == nil {
		return tool.Result{
			Action:   tool.ActionNotFound,
			Response: fmt.Sprintf("Tool %s does not exist", name),
		}, nil
	}

	argsMap, err := decodeArgs(args)
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp host: invalid args for tool %q: %w", name, err)
	}

	var lastErr error
	for attempt := 1; attempt <= dispatchRetries; attempt++ {
		text, callErr := h.callTool(ctx, srv, name, argsMap)
		if callErr == nil {
			return tool.Result{Action: tool.ActionReqLLM, Result: text}, nil
		}
		lastErr = callErr

		if attempt == dispatchRetries {
			break
		}
		slog.Warn("MCP tool call failed, reconnecting before retry",
			"tool", name, "server", serverName, "attempt", attempt, "err", callErr)

		if reconnected, rcErr := h.reconnect(ctx, serverName); rcErr != nil {
			slog.Error("MCP server reconnect failed", "server", serverName, "err", rcErr)
		} else {
			srv = reconnected
		}

		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return tool.Result{}, fmt.Errorf("mcp host: dispatch %q: %w", name, ctx.Err())
		}
	}
	return tool.Result{}, fmt.Errorf("mcp host: tool %q failed after %d attempts: %w", name, dispatchRetries, lastErr)
}

// callTool performs a single tools/call round trip and flattens the text
// content. An isError result surfaces as a Go error so the retry loop sees it.
func (h *Host) callTool(ctx context.Context, srv *serverConn, name string, args map[string]any) (string, error) {
	res, err := srv.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      srv.table.Original(name),
		Arguments: args,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool returned error: %s", sb.String())
	}
	return sb.String(), nil
}

// reconnect tears down and re-establishes the named server connection,
// re-importing its tool list.
func (h *Host) reconnect(ctx context.Context, name string) (*serverConn, error) {
	h.mu.RLock()
	srv, ok := h.servers[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: server %q no longer registered", name)
	}

	_ = srv.session.Close()
	if err := h.registerServer(ctx, name, srv.cfg); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.servers[name], nil
}

// Close implements [tool.Source]. It shuts down all server sessions.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, srv := range h.servers {
		if err := srv.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	return firstErr
}

// toolCount returns how many tools the named server exported.
func (h *Host) toolCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if srv, ok := h.servers[name]; ok {
		return len(srv.defs)
	}
	return 0
}

// decodeArgs parses a JSON object argument string. Empty and "{}" yield nil.
func decodeArgs(args string) (map[string]any, error) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || trimmed == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// headerRoundTripper injects fixed headers into every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.base.RoundTrip(req)
}

// httpClientWithHeaders returns an HTTP client that adds headers to every
// request, or nil (SDK default) when no headers are configured.
func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{
		Transport: headerRoundTripper{base: http.DefaultTransport, headers: headers},
	}
}
