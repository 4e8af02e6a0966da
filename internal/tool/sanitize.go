package tool

import (
	"strconv"
	"strings"
)

// SanitizeName converts a tool name into a function-calling-safe identifier:
// every rune outside [A-Za-z0-9_-] becomes an underscore. Vendor tool names
// routinely contain dots, slashes, or spaces that chat-completion APIs reject.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NameTable maps sanitized tool names back to their originals and guarantees
// uniqueness within one source. Not safe for concurrent use; sources guard it
// with their own locks.
type NameTable struct {
	toOriginal map[string]string
}

// NewNameTable creates an empty NameTable.
func NewNameTable() *NameTable {
	return &NameTable{toOriginal: make(map[string]string)}
}

// Register sanitizes original and records the mapping, appending a numeric
// suffix when the sanitized form collides with a different original name.
// Returns the unique sanitized name.
func (t *NameTable) Register(original string) string {
	base := SanitizeName(original)
	name := base
	for i := 2; ; i++ {
		prev, exists := t.toOriginal[name]
		if !exists || prev == original {
			break
		}
		name = base + "_" + strconv.Itoa(i)
	}
	t.toOriginal[name] = original
	return name
}

// Original returns the original name for a sanitized one. Unknown names map
// to themselves so dispatch can pass them through unchanged.
func (t *NameTable) Original(sanitized string) string {
	if orig, ok := t.toOriginal[sanitized]; ok {
		return orig
	}
	return sanitized
}

// RewriteDescription replaces every registered original name in desc with its
// sanitized form, so the LLM only ever sees consistent identifiers.
func (t *NameTable) RewriteDescription(desc string) string {
	for sanitized, original := range t.toOriginal {
		if sanitized != original {
			desc = strings.ReplaceAll(desc, original, sanitized)
		}
	}
	return desc
}

// Len returns the number of registered names.
func (t *NameTable) Len() int { return len(t.toOriginal) }
