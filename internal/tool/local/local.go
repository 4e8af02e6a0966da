// Package local provides in-process tool functions registered at gateway
// startup. Handlers run inside the connection's dispatch goroutine and must
// honour ctx.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/pkg/types"
)

var _ tool.Source = (*Source)(nil)

// Handler executes one local tool call.
type Handler func(ctx context.Context, conn tool.Conn, args string) (tool.Result, error)

// entry pairs a tool definition with its handler.
type entry struct {
	def     types.ToolDefinition
	handler Handler
}

// Source is the in-process tool source. The zero value is not usable; create
// instances with [New].
type Source struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// New creates a Source pre-loaded with the built-in gateway tools
// (conversation exit, current time, speaker control).
func New() *Source {
	s := &Source{entries: make(map[string]entry)}
	registerBuiltins(s)
	return s
}

// Register adds a tool. The definition's Name must already be a valid
// function-calling identifier; registering the same name twice replaces the
// previous handler.
func (s *Source) Register(def types.ToolDefinition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("local tools: definition must have a name")
	}
	if h == nil {
		return fmt.Errorf("local tools: tool %q must have a handler", def.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[def.Name]; !exists {
		s.order = append(s.order, def.Name)
	}
	s.entries[def.Name] = entry{def: def, handler: h}
	return nil
}

// Functions implements [tool.Source].
func (s *Source) Functions() []types.ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].def)
	}
	return out
}

// Has implements [tool.Source].
func (s *Source) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[name]
	return ok
}

// Dispatch implements [tool.Source]. Handler panics are not recovered; local
// tools are trusted code.
func (s *Source) Dispatch(ctx context.Context, conn tool.Conn, name, args string) (tool.Result, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return tool.Result{
			Action:   tool.ActionNotFound,
			Response: fmt.Sprintf("Tool %s does not exist", name),
		}, nil
	}

	res, err := e.handler(ctx, conn, args)
	if err != nil {
		return tool.Result{
			Action:   tool.ActionError,
			Response: fmt.Sprintf("Tool %s failed: %v", name, err),
		}, nil
	}
	return res, nil
}

// Close implements [tool.Source]. Local tools hold no resources.
func (s *Source) Close() error { return nil }
