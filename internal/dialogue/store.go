// Package dialogue maintains the ordered conversation history of a single
// device connection.
//
// A [Store] holds role-tagged messages with at most one system message, which
// always sits at index 0. [Store.ForLLM] produces the request view for an LLM
// call: memory summaries and voiceprint hints are merged into a temporary
// system message without mutating the stored history.
//
// All methods are safe for concurrent use.
package dialogue

import (
	"strings"
	"sync"

	"github.com/MrWong99/echolink/pkg/types"
)

// Store is the per-connection conversation history.
type Store struct {
	mu       sync.Mutex
	system   string
	hasSys   bool
	messages []types.Message // non-system messages, chronological
}

// NewStore creates an empty Store. prompt, when non-empty, becomes the initial
// system message.
func NewStore(prompt string) *Store {
	s := &Store{}
	if prompt != "" {
		s.system = prompt
		s.hasSys = true
	}
	return s
}

// Put appends a message to the history. A message with role "system" replaces
// the system slot instead of being appended, preserving the single-system
// invariant. Missing content stays as the empty string.
func (s *Store) Put(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Role == "system" {
		s.system = msg.Content
		s.hasSys = true
		return
	}
	s.messages = append(s.messages, msg)
}

// UpdateSystem creates or replaces the system message.
func (s *Store) UpdateSystem(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = prompt
	s.hasSys = true
}

// System returns the current system prompt and whether one is set.
func (s *Store) System() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system, s.hasSys
}

// Len returns the number of stored messages, including the system slot.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	if s.hasSys {
		n++
	}
	return n
}

// Messages returns a copy of the full history (system message first when
// present). Used for save-on-close persistence.
func (s *Store) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Message, 0, len(s.messages)+1)
	if s.hasSys {
		out = append(out, types.Message{Role: "system", Content: s.system})
	}
	out = append(out, s.messages...)
	return out
}

// ForLLM returns the request view for an LLM call. memorySummary and
// voiceprintHint, when non-empty, are appended to a temporary copy of the
// system prompt; the stored history is never mutated. Every returned message
// has non-nil semantics: content is always a string, possibly empty.
func (s *Store) ForLLM(memorySummary, voiceprintHint string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sys := composeSystem(s.system, memorySummary, voiceprintHint)

	out := make([]types.Message, 0, len(s.messages)+1)
	if sys != "" || s.hasSys {
		out = append(out, types.Message{Role: "system", Content: sys})
	}
	out = append(out, s.messages...)
	return out
}

// composeSystem merges the stored prompt with recall and voiceprint blocks.
func composeSystem(base, memorySummary, voiceprintHint string) string {
	parts := make([]string, 0, 3)
	if base != "" {
		parts = append(parts, base)
	}
	if memorySummary != "" {
		parts = append(parts, "Relevant memories of previous conversations with this user:\n"+memorySummary)
	}
	if voiceprintHint != "" {
		parts = append(parts, voiceprintHint)
	}
	return strings.Join(parts, "\n\n")
}
