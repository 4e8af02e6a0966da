// Package thinkfilter strips reasoning traces from streamed LLM output.
//
// Some models interleave their visible answer with a chain-of-thought block
// wrapped in <think>…</think> tags. The filter removes everything between the
// tags, tags included, so downstream synthesis only ever sees speakable text.
//
// The filter is stateful and tracks suppression across token boundaries:
// an opening tag in one token keeps suppressing until a later token carries
// the closing tag. Tags themselves are assumed to arrive whole within a
// single token, which matches how the upstream vendors emit them.
package thinkfilter

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// Filter suppresses <think>…</think> segments in a token stream.
// Not safe for concurrent use; each LLM stream gets its own Filter.
type Filter struct {
	suppressing bool
}

// New returns a Filter in the pass-through state.
func New() *Filter {
	return &Filter{}
}

// Feed processes one streamed token and returns the speakable portion,
// which may be empty while a reasoning block is being suppressed.
func (f *Filter) Feed(token string) string {
	if token == "" {
		return ""
	}
	if f.suppressing {
		idx := strings.Index(token, closeTag)
		if idx < 0 {
			return ""
		}
		f.suppressing = false
		return f.Feed(token[idx+len(closeTag):])
	}
	idx := strings.Index(token, openTag)
	if idx < 0 {
		return token
	}
	f.suppressing = true
	return token[:idx] + f.Feed(token[idx+len(openTag):])
}

// Suppressing reports whether the filter is currently inside a reasoning
// block. Useful for deciding whether a stream that ended mid-block should
// be treated as empty.
func (f *Filter) Suppressing() bool {
	return f.suppressing
}
