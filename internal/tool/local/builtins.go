package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/pkg/types"
)

// registerBuiltins loads the built-in gateway tools into s.
func registerBuiltins(s *Source) {
	_ = s.Register(exitDef, handleExitIntent)
	_ = s.Register(timeDef, handleGetTime)
	_ = s.Register(speakerDef, handleSpeakerControl)
}

// ---- exit / handover ----

var exitDef = types.ToolDefinition{
	Name:        "handle_exit_intent",
	Description: "Ends the current conversation when the user says goodbye or asks to stop talking.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"say_goodbye": map[string]any{
				"type":        "string",
				"description": "The farewell sentence to speak before ending the conversation.",
			},
		},
	},
}

func handleExitIntent(_ context.Context, conn tool.Conn, args string) (tool.Result, error) {
	farewell := "Goodbye!"
	var params struct {
		SayGoodbye string `json:"say_goodbye"`
	}
	if err := json.Unmarshal([]byte(args), &params); err == nil && params.SayGoodbye != "" {
		farewell = params.SayGoodbye
	}

	conn.RequestClose("exit intent")
	return tool.Result{Action: tool.ActionResponse, Response: farewell}, nil
}

// ---- time / date ----

var timeDef = types.ToolDefinition{
	Name:        "get_time",
	Description: "Returns the current date, weekday, and time of the server.",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	},
}

func handleGetTime(_ context.Context, _ tool.Conn, _ string) (tool.Result, error) {
	now := time.Now()
	// REQLLM so the model can phrase the answer in the conversation's tone.
	return tool.Result{
		Action: tool.ActionReqLLM,
		Result: fmt.Sprintf("Current time: %s (%s)", now.Format("2006-01-02 15:04:05"), now.Weekday()),
	}, nil
}

// ---- speaker / device control via IoT descriptors ----

var speakerDef = types.ToolDefinition{
	Name:        "self_speaker_ctl",
	Description: "Adjusts the device speaker volume. volume is a percentage from 0 to 100.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"volume": map[string]any{
				"type":        "integer",
				"description": "Target volume in percent (0-100).",
			},
		},
		"required": []string{"volume"},
	},
}

// iotCommand mirrors the device-side IoT command envelope.
type iotCommand struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
}

func handleSpeakerControl(ctx context.Context, conn tool.Conn, args string) (tool.Result, error) {
	var params struct {
		Volume *int `json:"volume"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil || params.Volume == nil {
		return tool.Result{}, fmt.Errorf("local tools: speaker control needs a volume argument: %q", args)
	}

	vol := *params.Volume
	if vol < 0 {
		vol = 0
	}
	if vol > 100 {
		vol = 100
	}

	msg := map[string]any{
		"type":       "iot",
		"session_id": conn.SessionID(),
		"commands": []iotCommand{{
			Name:       "Speaker",
			Method:     "SetVolume",
			Parameters: map[string]any{"volume": vol},
		}},
	}
	if err := conn.SendJSON(ctx, msg); err != nil {
		return tool.Result{}, fmt.Errorf("local tools: send IoT command: %w", err)
	}

	return tool.Result{
		Action:   tool.ActionResponse,
		Response: fmt.Sprintf("Volume set to %d percent.", vol),
	}, nil
}
