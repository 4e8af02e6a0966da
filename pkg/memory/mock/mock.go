// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.SummaryResult = "user: hello\nassistant: Hi there."
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SaveDialogue"); got != 1 {
//	    t.Errorf("expected 1 SaveDialogue call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echolink/pkg/memory"
	"github.com/MrWong99/echolink/pkg/types"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// saved accumulates every message slice passed to SaveDialogue.
	saved []types.Message

	// SaveDialogueErr is returned by [Store.SaveDialogue] when non-nil.
	SaveDialogueErr error

	// SummaryResult is returned by [Store.Summary].
	SummaryResult string

	// SummaryErr is returned by [Store.Summary] when non-nil.
	SummaryErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Saved returns a copy of every message passed to SaveDialogue so far.
func (m *Store) Saved() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message, len(m.saved))
	copy(out, m.saved)
	return out
}

// Reset clears all recorded calls and saved messages without altering
// response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.saved = nil
}

// SaveDialogue implements [memory.Store].
func (m *Store) SaveDialogue(_ context.Context, deviceID, sessionID string, msgs []types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SaveDialogue", Args: []any{deviceID, sessionID, msgs}})
	m.saved = append(m.saved, msgs...)
	return m.SaveDialogueErr
}

// Summary implements [memory.Store].
func (m *Store) Summary(_ context.Context, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Summary", Args: []any{deviceID}})
	return m.SummaryResult, m.SummaryErr
}
