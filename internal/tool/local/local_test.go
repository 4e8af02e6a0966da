package local

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/pkg/types"
)

// fakeConn records tool-visible connection interactions.
type fakeConn struct {
	deviceID    string
	sessionID   string
	sent        []any
	sendErr     error
	closeReason string
}

func (c *fakeConn) DeviceID() string  { return c.deviceID }
func (c *fakeConn) SessionID() string { return c.sessionID }

func (c *fakeConn) SendJSON(_ context.Context, v any) error {
	c.sent = append(c.sent, v)
	return c.sendErr
}

func (c *fakeConn) RequestClose(reason string) { c.closeReason = reason }

func TestNew_RegistersBuiltins(t *testing.T) {
	s := New()
	funcs := s.Functions()

	want := map[string]bool{
		"handle_exit_intent": false,
		"get_time":           false,
		"self_speaker_ctl":   false,
	}
	for _, f := range funcs {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("builtin %q not registered", name)
		}
	}
}

func TestRegister_Validation(t *testing.T) {
	s := New()
	if err := s.Register(types.ToolDefinition{}, nil); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.Register(types.ToolDefinition{Name: "x"}, nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestDispatch_ExitIntent(t *testing.T) {
	s := New()
	conn := &fakeConn{deviceID: "dev-1", sessionID: "sess-1"}

	res, err := s.Dispatch(context.Background(), conn, "handle_exit_intent", `{"say_goodbye":"See you tomorrow!"}`)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != tool.ActionResponse {
		t.Errorf("res.Action = %v, want RESPONSE", res.Action)
	}
	if res.Response != "See you tomorrow!" {
		t.Errorf("res.Response = %q", res.Response)
	}
	if conn.closeReason == "" {
		t.Error("exit intent must request connection close")
	}
}

func TestDispatch_ExitIntent_DefaultFarewell(t *testing.T) {
	s := New()
	conn := &fakeConn{}

	res, err := s.Dispatch(context.Background(), conn, "handle_exit_intent", "{}")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Response == "" {
		t.Error("expected a default farewell")
	}
}

func TestDispatch_GetTime(t *testing.T) {
	s := New()
	res, err := s.Dispatch(context.Background(), &fakeConn{}, "get_time", "{}")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != tool.ActionReqLLM {
		t.Errorf("res.Action = %v, want REQLLM", res.Action)
	}
	if !strings.Contains(res.Result, "Current time:") {
		t.Errorf("res.Result = %q, missing time payload", res.Result)
	}
}

func TestDispatch_SpeakerControl(t *testing.T) {
	s := New()
	conn := &fakeConn{sessionID: "sess-7"}

	res, err := s.Dispatch(context.Background(), conn, "self_speaker_ctl", `{"volume":140}`)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != tool.ActionResponse {
		t.Errorf("res.Action = %v, want RESPONSE", res.Action)
	}
	if !strings.Contains(res.Response, "100") {
		t.Errorf("res.Response = %q, want clamped to 100", res.Response)
	}

	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 IoT message, got %d", len(conn.sent))
	}
	raw, _ := json.Marshal(conn.sent[0])
	var msg struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Commands  []struct {
			Name       string         `json:"name"`
			Method     string         `json:"method"`
			Parameters map[string]any `json:"parameters"`
		} `json:"commands"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal IoT message: %v", err)
	}
	if msg.Type != "iot" {
		t.Errorf("message type = %q, want iot", msg.Type)
	}
	if msg.SessionID != "sess-7" {
		t.Errorf("session_id = %q", msg.SessionID)
	}
	if len(msg.Commands) != 1 || msg.Commands[0].Method != "SetVolume" {
		t.Errorf("commands = %+v", msg.Commands)
	}
}

func TestDispatch_SpeakerControl_MissingVolume(t *testing.T) {
	s := New()
	res, err := s.Dispatch(context.Background(), &fakeConn{}, "self_speaker_ctl", "{}")
	if err != nil {
		t.Fatalf("Dispatch must not return transport errors for handler failures: %v", err)
	}
	if res.Action != tool.ActionError {
		t.Errorf("res.Action = %v, want ERROR", res.Action)
	}
}

func TestDispatch_SendFailure_BecomesError(t *testing.T) {
	s := New()
	conn := &fakeConn{sendErr: errors.New("socket closed")}
	res, err := s.Dispatch(context.Background(), conn, "self_speaker_ctl", `{"volume":30}`)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != tool.ActionError {
		t.Errorf("res.Action = %v, want ERROR", res.Action)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	s := New()
	res, err := s.Dispatch(context.Background(), &fakeConn{}, "nonexistent", "{}")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != tool.ActionNotFound {
		t.Errorf("res.Action = %v, want NOTFOUND", res.Action)
	}
}
