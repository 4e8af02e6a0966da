// Package turn drives one LLM dialogue turn for a device connection.
//
// A turn starts from a final ASR transcript and ends when the reply has been
// fully handed to speech synthesis: the engine streams the LLM completion,
// strips reasoning traces, detects tool calls (structured deltas or
// text-embedded <tool_call> blocks), dispatches them in parallel through the
// tool registry, and recurses with the tool results until the model produces
// a plain answer or the recursion depth cap is hit.
//
// Speech output flows through the [Sink] interface as a
// FIRST → text fragments → LAST envelope; the connection layer maps it onto
// the TTS session and the device's tts/llm control messages.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echolink/internal/dialogue"
	"github.com/MrWong99/echolink/internal/observe"
	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/internal/turn/emotion"
	"github.com/MrWong99/echolink/internal/turn/thinkfilter"
	"github.com/MrWong99/echolink/pkg/memory"
	"github.com/MrWong99/echolink/pkg/provider/llm"
	"github.com/MrWong99/echolink/pkg/types"
)

// DefaultMaxDepth caps tool-call recursion within one turn.
const DefaultMaxDepth = 5

// depthLimitInstruction is injected as a user message when the recursion cap
// is reached, forcing the model to answer from what it already has.
const depthLimitInstruction = "[System Prompt] Maximum tool call limit reached, please directly provide the final answer based on all information currently obtained. Do not attempt to call any tools."

// Sink receives the engine's speech output for one connection.
//
// Implementations must not block for long: the engine calls these inline
// from the stream consumer loop, so a slow sink stalls token consumption.
type Sink interface {
	// First signals the start of a reply. id is the fresh sentence id that
	// scopes all audio of this turn.
	First(id string)

	// Text delivers a content fragment for synthesis.
	Text(text string)

	// Last signals the end of the reply at the outermost depth.
	Last(id string)

	// Emotion reports the emotion detected on the first content fragment.
	Emotion(name, emoji string)
}

// Tools is the slice of the tool registry the engine depends on.
// [tool.Registry] satisfies it.
type Tools interface {
	Functions() []types.ToolDefinition
	Dispatch(ctx context.Context, conn tool.Conn, name, args string) (tool.Result, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMemory enables dialogue recall: the store's summary for the device is
// merged into the system prompt at the start of every turn.
func WithMemory(store memory.Store) Option {
	return func(e *Engine) { e.mem = store }
}

// WithMaxDepth overrides the tool-call recursion cap. Values below 1 are
// ignored.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxDepth = n
		}
	}
}

// WithAbortCheck installs the barge-in probe. When it returns true the
// engine stops consuming the LLM stream and abandons the turn without a
// LAST marker.
func WithAbortCheck(fn func() bool) Option {
	return func(e *Engine) { e.aborted = fn }
}

// WithSampling sets optional sampling parameters forwarded on every
// completion request. Nil values are omitted upstream.
func WithSampling(temperature, topP *float64) Option {
	return func(e *Engine) {
		e.temperature = temperature
		e.topP = topP
	}
}

// WithMetrics records tool dispatch counters and latencies on the given
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs dialogue turns for a single connection.
type Engine struct {
	provider llm.Provider
	tools    Tools
	sink     Sink
	mem      memory.Store
	metrics  *observe.Metrics
	maxDepth int
	aborted  func() bool

	temperature *float64
	topP        *float64
}

// New constructs an Engine. provider, tools, and sink are required; memory
// and the abort probe are optional.
func New(provider llm.Provider, tools Tools, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		tools:    tools,
		sink:     sink,
		maxDepth: DefaultMaxDepth,
		aborted:  func() bool { return false },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// turnState carries per-turn data across recursion depths.
type turnState struct {
	summary     string
	hint        string
	emotionSent bool
}

// Run executes one full turn for query. query may be a plain transcript or a
// {"speaker":…, "content":…} envelope produced by voiceprint identification;
// the envelope's speaker becomes a system-prompt hint for this turn only.
//
// Run emits the FIRST marker before the LLM call and the LAST marker after
// the outermost stream drains. On barge-in the turn is abandoned with no
// LAST marker. A non-nil error means the LLM stream could not complete; the
// dialogue history keeps whatever was appended before the failure.
func (e *Engine) Run(ctx context.Context, conn tool.Conn, dlg *dialogue.Store, query string) error {
	content, hint := parseQuery(query)
	dlg.Put(types.Message{Role: "user", Content: content})

	sentenceID := uuid.NewString()
	e.sink.First(sentenceID)

	st := &turnState{hint: hint}
	if e.mem != nil {
		summary, err := e.mem.Summary(ctx, conn.DeviceID())
		if err != nil {
			slog.Warn("turn: memory summary failed", "device_id", conn.DeviceID(), "error", err)
		} else {
			st.summary = summary
		}
	}

	aborted, err := e.runDepth(ctx, conn, dlg, st, 0)
	if err != nil {
		return err
	}
	if !aborted {
		e.sink.Last(sentenceID)
	}
	return nil
}

// runDepth performs one LLM round at the given recursion depth, dispatching
// any tool calls and recursing on REQLLM results.
func (e *Engine) runDepth(ctx context.Context, conn tool.Conn, dlg *dialogue.Store, st *turnState, depth int) (abortedTurn bool, err error) {
	withTools := e.tools != nil
	if depth >= e.maxDepth {
		dlg.Put(types.Message{Role: "user", Content: depthLimitInstruction})
		withTools = false
	}

	req := llm.CompletionRequest{
		Messages:    dlg.ForLLM(st.summary, st.hint),
		Temperature: e.temperature,
		TopP:        e.topP,
	}
	if withTools {
		req.Tools = e.tools.Functions()
	}

	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		return false, fmt.Errorf("turn: llm stream: %w", err)
	}

	filter := thinkfilter.New()
	var gate speechGate
	var spoken strings.Builder
	var calls []types.ToolCall

	for chunk := range ch {
		if e.aborted() {
			go drainChunks(ch)
			return true, nil
		}
		if chunk.FinishReason == "error" {
			return false, fmt.Errorf("turn: llm stream failed mid-flight")
		}
		if len(chunk.ToolCalls) > 0 {
			calls = append(calls, chunk.ToolCalls...)
		}
		if chunk.Text == "" {
			continue
		}
		text := filter.Feed(chunk.Text)
		if text == "" {
			continue
		}
		if out := gate.Feed(text); out != "" {
			e.speak(out, st)
			spoken.WriteString(out)
		}
	}

	// Resolve any content the gate held back: either a text-embedded tool
	// call, or plain text that never got past the tag-prefix check.
	if tail, call, ok := gate.Finish(); ok {
		calls = append(calls, call)
	} else if tail != "" {
		e.speak(tail, st)
		spoken.WriteString(tail)
	}

	if spoken.Len() > 0 {
		dlg.Put(types.Message{Role: "assistant", Content: spoken.String()})
	}
	if len(calls) == 0 {
		return false, nil
	}

	results := e.dispatchAll(ctx, conn, calls)

	// Direct-answer actions speak immediately; REQLLM results are batched
	// into the history for another model round.
	var followUp []int
	for i, res := range results {
		if res.Action == tool.ActionReqLLM {
			followUp = append(followUp, i)
			continue
		}
		text := res.SpokenText()
		if text == "" {
			continue
		}
		e.speak(text, st)
		dlg.Put(types.Message{Role: "assistant", Content: text})
	}
	if len(followUp) == 0 {
		return false, nil
	}

	batched := make([]types.ToolCall, 0, len(followUp))
	for _, i := range followUp {
		c := calls[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
			calls[i] = c
		}
		if c.Arguments == "" {
			c.Arguments = "{}"
		}
		batched = append(batched, c)
	}
	dlg.Put(types.Message{Role: "assistant", ToolCalls: batched})
	// Every batched call id must be answered by a tool message, or the next
	// completion request is rejected upstream as an unanswered tool_call_id.
	for _, i := range followUp {
		content := results[i].Result
		if content == "" {
			content = "(no output)"
		}
		dlg.Put(types.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: calls[i].ID,
		})
	}

	return e.runDepth(ctx, conn, dlg, st, depth+1)
}

// speak forwards one fragment to the sink, emitting the emotion signal on
// the turn's first non-empty content.
func (e *Engine) speak(text string, st *turnState) {
	if !st.emotionSent && strings.TrimSpace(text) != "" {
		st.emotionSent = true
		name, emoji := emotion.Detect(text)
		e.sink.Emotion(name, emoji)
	}
	e.sink.Text(text)
}

// dispatchAll runs every tool call in parallel and waits for the slowest.
// Transport-level dispatch errors degrade to ERROR results so one failing
// tool never loses the others' output.
func (e *Engine) dispatchAll(ctx context.Context, conn tool.Conn, calls []types.ToolCall) []tool.Result {
	results := make([]tool.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		g.Go(func() error {
			start := time.Now()
			res, err := e.tools.Dispatch(gctx, conn, c.Name, c.Arguments)
			if err != nil {
				slog.Warn("turn: tool dispatch failed", "tool", c.Name, "error", err)
				res = tool.Result{
					Action: tool.ActionError,
					Result: fmt.Sprintf("Tool %s failed: %v", c.Name, err),
				}
			}
			if e.metrics != nil {
				status := "ok"
				switch res.Action {
				case tool.ActionError:
					status = "error"
				case tool.ActionNotFound:
					status = "not_found"
				}
				e.metrics.RecordToolCall(ctx, c.Name, status)
				e.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
			}
			results[i] = res
			return nil
		})
	}
	// Workers never return errors, so Wait only synchronises.
	_ = g.Wait()
	return results
}

// parseQuery unwraps a voiceprint envelope. Plain transcripts pass through
// unchanged with an empty hint.
func parseQuery(query string) (content, hint string) {
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(trimmed, "{") {
		return query, ""
	}
	var env struct {
		Speaker string `json:"speaker"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || env.Content == "" {
		return query, ""
	}
	if env.Speaker != "" {
		hint = fmt.Sprintf("The current speaker has been identified as %s.", env.Speaker)
	}
	return env.Content, hint
}

// drainChunks discards remaining chunks so the provider goroutine can exit
// after a barge-in.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
