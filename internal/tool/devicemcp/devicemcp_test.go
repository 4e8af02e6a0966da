package devicemcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echolink/internal/tool"
)

// sentPayload captures one outbound JSON-RPC request for inspection.
type sentPayload struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// recorder collects everything a Client sends.
type recorder struct {
	mu   sync.Mutex
	sent []sentPayload
	err  error
}

func (r *recorder) send(_ context.Context, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var p sentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	r.sent = append(r.sent, p)
	return nil
}

func (r *recorder) all() []sentPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentPayload, len(r.sent))
	copy(out, r.sent)
	return out
}

// toolsListResult builds a tools/list response payload.
func toolsListResult(t *testing.T, id int64, tools []map[string]any, nextCursor string) json.RawMessage {
	t.Helper()
	result := map[string]any{"tools": tools}
	if nextCursor != "" {
		result["nextCursor"] = nextCursor
	}
	raw, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	if err != nil {
		t.Fatalf("marshal tools/list result: %v", err)
	}
	return raw
}

func TestInitialize_SendsHandshakeAndList(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec.send)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sent := rec.all()
	if len(sent) != 2 {
		t.Fatalf("sent %d payloads, want 2", len(sent))
	}
	if sent[0].ID != 1 || sent[0].Method != "initialize" {
		t.Errorf("first payload = %+v, want id 1 initialize", sent[0])
	}
	if sent[1].ID != 2 || sent[1].Method != "tools/list" {
		t.Errorf("second payload = %+v, want id 2 tools/list", sent[1])
	}
	if v, _ := sent[0].Params["protocolVersion"].(string); v != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", v, protocolVersion)
	}
}

func TestHandleMessage_ToolsList_Pagination(t *testing.T) {
	rec := &recorder{}
	var readyCount int
	c := NewClient(rec.send, WithReadyFunc(func() { readyCount++ }))
	ctx := context.Background()

	// First page carries a cursor: the client must request the next page with
	// id 2 again and must not be ready yet.
	page1 := toolsListResult(t, idToolsList, []map[string]any{
		{"name": "device.screen_on", "description": "Turns the screen on."},
	}, "cursor-abc")
	if err := c.HandleMessage(ctx, page1); err != nil {
		t.Fatalf("HandleMessage page 1: %v", err)
	}
	if c.Ready() {
		t.Fatal("client became ready before pagination finished")
	}
	sent := rec.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d payloads, want 1 continuation", len(sent))
	}
	if sent[0].ID != 2 || sent[0].Method != "tools/list" {
		t.Errorf("continuation = %+v, want id 2 tools/list", sent[0])
	}
	if cur, _ := sent[0].Params["cursor"].(string); cur != "cursor-abc" {
		t.Errorf("continuation cursor = %q", cur)
	}

	// Final page: client becomes ready and fires the callback once.
	page2 := toolsListResult(t, idToolsList, []map[string]any{
		{"name": "device.screen_off", "description": "Use device.screen_on first."},
	}, "")
	if err := c.HandleMessage(ctx, page2); err != nil {
		t.Fatalf("HandleMessage page 2: %v", err)
	}
	if !c.Ready() {
		t.Fatal("client should be ready after final page")
	}
	if readyCount != 1 {
		t.Errorf("ready callback fired %d times, want 1", readyCount)
	}

	funcs := c.Functions()
	if len(funcs) != 2 {
		t.Fatalf("got %d functions, want 2", len(funcs))
	}
	// Names sanitized, descriptions rewritten to sanitized identifiers.
	for _, f := range funcs {
		if strings.Contains(f.Name, ".") {
			t.Errorf("function name %q not sanitized", f.Name)
		}
		if strings.Contains(f.Description, "device.screen_on") {
			t.Errorf("description still references original name: %q", f.Description)
		}
	}
}

func TestFunctions_EmptyBeforeReady(t *testing.T) {
	c := NewClient((&recorder{}).send)
	if got := c.Functions(); got != nil {
		t.Errorf("Functions() before ready = %v, want nil", got)
	}
}

func TestDispatch_RoundTrip(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec.send)
	ctx := context.Background()

	list := toolsListResult(t, idToolsList, []map[string]any{
		{"name": "device.get_battery", "description": "Reports battery level."},
	}, "")
	if err := c.HandleMessage(ctx, list); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	// Dispatch in a goroutine; resolve via HandleMessage like the real
	// connection read loop would.
	type dispatchOut struct {
		res tool.Result
		err error
	}
	done := make(chan dispatchOut, 1)
	go func() {
		res, err := c.Dispatch(ctx, nil, "device_get_battery", `{"unit":"percent"}`)
		done <- dispatchOut{res, err}
	}()

	// Wait for the tools/call to hit the wire.
	var callID int64
	deadline := time.After(2 * time.Second)
	for callID == 0 {
		select {
		case <-deadline:
			t.Fatal("tools/call was never sent")
		default:
		}
		for _, p := range rec.all() {
			if p.Method == "tools/call" {
				callID = p.ID
				if name, _ := p.Params["name"].(string); name != "device.get_battery" {
					t.Errorf("tools/call used name %q, want original device.get_battery", name)
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if callID != firstCallID {
		t.Errorf("first call id = %d, want %d", callID, firstCallID)
	}

	resp, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      callID,
		"result": map[string]any{
			"content": []map[string]any{{"type": "text", "text": "87%"}},
		},
	})
	if err := c.HandleMessage(ctx, resp); err != nil {
		t.Fatalf("HandleMessage response: %v", err)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("Dispatch: %v", out.err)
	}
	if out.res.Action != tool.ActionReqLLM {
		t.Errorf("res.Action = %v, want REQLLM", out.res.Action)
	}
	if out.res.Result != "87%" {
		t.Errorf("res.Result = %q, want 87%%", out.res.Result)
	}
}

func TestDispatch_ErrorResponse(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec.send)
	ctx := context.Background()

	list := toolsListResult(t, idToolsList, []map[string]any{{"name": "flaky"}}, "")
	if err := c.HandleMessage(ctx, list); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(ctx, nil, "flaky", "{}")
		done <- err
	}()

	// Wait for the call then reject it with a JSON-RPC error.
	var callID int64
	deadline := time.After(2 * time.Second)
	for callID == 0 {
		select {
		case <-deadline:
			t.Fatal("tools/call was never sent")
		default:
		}
		for _, p := range rec.all() {
			if p.Method == "tools/call" {
				callID = p.ID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      callID,
		"error":   map[string]any{"code": -32000, "message": "device busy"},
	})
	if err := c.HandleMessage(ctx, resp); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	err := <-done
	if err == nil {
		t.Fatal("expected dispatch error for JSON-RPC error response")
	}
	if !strings.Contains(err.Error(), "device busy") {
		t.Errorf("error %q missing device message", err.Error())
	}
}

func TestDispatch_Timeout(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec.send, WithCallTimeout(50*time.Millisecond))
	ctx := context.Background()

	list := toolsListResult(t, idToolsList, []map[string]any{{"name": "slow"}}, "")
	if err := c.HandleMessage(ctx, list); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	_, err := c.Dispatch(ctx, nil, "slow", "{}")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q is not a timeout", err.Error())
	}
}

func TestDispatch_NotReady(t *testing.T) {
	c := NewClient((&recorder{}).send)
	_, err := c.Dispatch(context.Background(), nil, "anything", "{}")
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestDispatch_MonotonicCallIDs(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec.send, WithCallTimeout(20*time.Millisecond))
	ctx := context.Background()

	list := toolsListResult(t, idToolsList, []map[string]any{{"name": "a"}, {"name": "b"}}, "")
	if err := c.HandleMessage(ctx, list); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	// Both dispatches time out; we only care about the ids they sent.
	_, _ = c.Dispatch(ctx, nil, "a", "{}")
	_, _ = c.Dispatch(ctx, nil, "b", "{}")

	var ids []int64
	for _, p := range rec.all() {
		if p.Method == "tools/call" {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Errorf("call ids = %v, want [3 4]", ids)
	}
}

func TestParseArguments(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		m, err := parseArguments("")
		if err != nil {
			t.Fatalf("parseArguments: %v", err)
		}
		if len(m) != 0 {
			t.Errorf("got %v, want empty object", m)
		}
	})

	t.Run("valid object", func(t *testing.T) {
		m, err := parseArguments(`{"a":1,"b":"x"}`)
		if err != nil {
			t.Fatalf("parseArguments: %v", err)
		}
		if m["b"] != "x" {
			t.Errorf("m = %v", m)
		}
	})

	t.Run("concatenated objects merged", func(t *testing.T) {
		m, err := parseArguments(`{"a":1}{"b":2}`)
		if err != nil {
			t.Fatalf("parseArguments: %v", err)
		}
		if len(m) != 2 {
			t.Errorf("merged object = %v, want both keys", m)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := parseArguments("not json at all"); err == nil {
			t.Error("expected error for unparseable arguments")
		}
	})
}

func TestClose_RejectsPending(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec.send, WithCallTimeout(5*time.Second))
	ctx := context.Background()

	list := toolsListResult(t, idToolsList, []map[string]any{{"name": "hang"}}, "")
	if err := c.HandleMessage(ctx, list); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(ctx, nil, "hang", "{}")
		done <- err
	}()

	// Give the dispatch time to register its pending entry.
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error for call pending at Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending dispatch not released by Close")
	}
}
