package turn

import (
	"encoding/json"
	"strings"

	"github.com/MrWong99/echolink/pkg/types"
)

// toolCallTag is emitted by some models that express tool calls inside the
// content stream instead of the structured tool_calls delta channel.
const toolCallTag = "<tool_call>"

// speechGate holds streamed content back until it is clear whether the turn
// is ordinary speech or a text-embedded tool call. Content that begins with
// toolCallTag is buffered for the whole stream and resolved in Finish;
// everything else is released as soon as the tag prefix is ruled out.
type speechGate struct {
	decided  bool
	toolCall bool
	buf      strings.Builder
}

// Feed consumes one content fragment and returns the portion that may be
// spoken now. The return value is empty while the gate is undecided or
// buffering a tool call.
func (g *speechGate) Feed(text string) string {
	if g.decided && !g.toolCall {
		return text
	}
	g.buf.WriteString(text)
	if g.toolCall {
		return ""
	}

	trimmed := strings.TrimLeft(g.buf.String(), " \t\r\n")
	switch {
	case strings.HasPrefix(trimmed, toolCallTag):
		g.decided = true
		g.toolCall = true
		return ""
	case strings.HasPrefix(toolCallTag, trimmed):
		// Still a viable tag prefix; keep holding.
		return ""
	default:
		g.decided = true
		out := g.buf.String()
		g.buf.Reset()
		return out
	}
}

// Finish resolves the gate at stream end. When the buffered content carried a
// parseable tool call it is returned with ok=true. Otherwise any held-back
// text (an incomplete tag prefix, or a tool-call block that never became
// valid JSON) is returned as tail for normal emission.
func (g *speechGate) Finish() (tail string, call types.ToolCall, ok bool) {
	if !g.toolCall {
		return g.buf.String(), types.ToolCall{}, false
	}
	if c, ok := parseTextToolCall(g.buf.String()); ok {
		return "", c, true
	}
	return g.buf.String(), types.ToolCall{}, false
}

// parseTextToolCall extracts a tool invocation from a <tool_call> text block.
// The payload is the first balanced JSON object in s, expected to look like
// {"name": "...", "arguments": {...}}. Arguments may also arrive as a
// JSON-encoded string of an object.
func parseTextToolCall(s string) (types.ToolCall, bool) {
	obj, ok := extractFirstJSONObject(s)
	if !ok {
		return types.ToolCall{}, false
	}

	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(obj), &payload); err != nil || payload.Name == "" {
		return types.ToolCall{}, false
	}

	args := "{}"
	if len(payload.Arguments) > 0 {
		var nested string
		if json.Unmarshal(payload.Arguments, &nested) == nil {
			args = nested
		} else {
			args = string(payload.Arguments)
		}
	}
	return types.ToolCall{Name: payload.Name, Arguments: args}, true
}

// extractFirstJSONObject returns the first balanced {...} object in s,
// tracking string literals and escapes so braces inside values don't
// terminate the scan early.
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
