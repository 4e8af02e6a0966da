package conn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/echolink/internal/asr"
	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/pkg/audio"
	"github.com/MrWong99/echolink/pkg/types"
)

// textMessage is the common envelope of inbound JSON messages. Only the
// fields for the recognized type are populated.
type textMessage struct {
	Type string `json:"type"`

	// hello
	AudioParams *audioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`

	// listen
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// iot
	Descriptors []iotDescriptor `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`

	// mcp
	Payload json.RawMessage `json:"payload,omitempty"`

	// server
	Action string `json:"action,omitempty"`
	Secret string `json:"secret,omitempty"`
}

type audioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// routeText dispatches one inbound JSON message by its type field.
func (h *Handler) routeText(ctx context.Context, data []byte) error {
	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("conn: malformed text message: %w", err)
	}

	switch msg.Type {
	case "hello":
		return h.handleHello(ctx, msg)
	case "abort":
		return h.handleAbort(ctx)
	case "listen":
		return h.handleListen(ctx, msg)
	case "iot":
		return h.handleIoT(ctx, msg)
	case "mcp":
		return h.device.HandleMessage(ctx, msg.Payload)
	case "server":
		return h.handleServerControl(ctx, msg.Action, msg.Secret)
	default:
		h.log.Debug("unknown message type", "type", msg.Type)
		return nil
	}
}

// handleHello answers the device handshake with the session welcome and,
// when the device hosts an MCP endpoint, starts its initialization.
func (h *Handler) handleHello(ctx context.Context, msg textMessage) error {
	welcome := map[string]any{
		"type":       "hello",
		"transport":  "websocket",
		"session_id": h.cfg.SessionID,
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    audio.DeviceSampleRate,
			"channels":       1,
			"frame_duration": audio.DeviceFrameSizeMs,
		},
	}
	// The welcome always states the server's output format; echoing the
	// client's advertised params would misdescribe what egress produces.
	if msg.AudioParams != nil {
		h.log.Debug("client audio params",
			"format", msg.AudioParams.Format,
			"sample_rate", msg.AudioParams.SampleRate,
		)
	}
	if err := h.SendJSON(ctx, welcome); err != nil {
		return err
	}

	if msg.Features["mcp"] {
		go func() {
			if err := h.device.Initialize(h.ctx); err != nil {
				h.log.Warn("device mcp initialize failed", "error", err)
			}
		}()
	}
	return nil
}

// handleAbort stops playback immediately: the paced sender drops remaining
// frames and the device is told the stream ended.
func (h *Handler) handleAbort(ctx context.Context) error {
	h.aborted.Store(true)
	h.playing.Store(false)
	return h.SendJSON(ctx, map[string]any{
		"type": "tts", "state": "stop", "session_id": h.cfg.SessionID,
	})
}

// handleListen processes segmentation control: mode switches, manual
// start/stop boundaries, and device-detected wake words.
func (h *Handler) handleListen(ctx context.Context, msg textMessage) error {
	if msg.Mode != "" {
		h.mu.Lock()
		h.listenMode = types.ListenMode(msg.Mode)
		h.mu.Unlock()
		h.log.Debug("listen mode set", "mode", msg.Mode)
	}

	switch msg.State {
	case "start":
		h.mu.Lock()
		h.manualVoice = true
		h.mu.Unlock()
		h.touchActivity()
	case "stop":
		h.mu.Lock()
		h.manualVoice = false
		h.mu.Unlock()
		if h.asr.State() != asr.StateIdle {
			h.resolveTurn(ctx)
		}
	case "detect":
		// The device already ran its own wake-word engine; treat the
		// reported text like a final transcript.
		if msg.Text != "" {
			h.onTranscript(ctx, msg.Text)
		}
	}
	return nil
}

// iotDescriptor is a device-advertised capability: a named component with
// callable methods.
type iotDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Methods     map[string]iotMethod `json:"methods"`
	Properties  map[string]iotParam  `json:"properties"`
}

type iotMethod struct {
	Description string              `json:"description"`
	Parameters  map[string]iotParam `json:"parameters"`
}

type iotParam struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

// handleIoT registers device-advertised methods as callable tools and logs
// state reports.
func (h *Handler) handleIoT(_ context.Context, msg textMessage) error {
	if len(msg.Descriptors) > 0 {
		h.registerIoTTools(msg.Descriptors)
	}
	if len(msg.States) > 0 {
		h.log.Debug("iot states", "states", string(msg.States))
	}
	return nil
}

// registerIoTTools turns each descriptor method into a local tool that
// forwards an iot command to the device. The first registration also adds
// the IoT source to the registry.
func (h *Handler) registerIoTTools(descriptors []iotDescriptor) {
	added := false
	for _, d := range descriptors {
		for method, spec := range d.Methods {
			name := tool.SanitizeName(fmt.Sprintf("iot_%s_%s", d.Name, method))
			def := types.ToolDefinition{
				Name:        name,
				Description: fmt.Sprintf("%s: %s", d.Description, spec.Description),
				Parameters:  iotParameterSchema(spec.Parameters),
			}
			deviceName, methodName := d.Name, method
			err := h.iot.Register(def, func(ctx context.Context, conn tool.Conn, args string) (tool.Result, error) {
				return h.dispatchIoT(ctx, conn, deviceName, methodName, args)
			})
			if err != nil {
				h.log.Warn("iot tool registration failed", "tool", name, "error", err)
				continue
			}
			added = true
		}
	}
	if added {
		h.ensureIoTSource()
	}
}

func (h *Handler) ensureIoTSource() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.iotRegistered {
		return
	}
	h.iotRegistered = true
	h.registry.Add(h.iot)
}

// dispatchIoT sends one command message to the device and reports success;
// devices do not acknowledge individual commands.
func (h *Handler) dispatchIoT(ctx context.Context, conn tool.Conn, device, method, args string) (tool.Result, error) {
	params := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return tool.Result{
				Action:   tool.ActionError,
				Response: fmt.Sprintf("Invalid arguments for %s.%s", device, method),
			}, nil
		}
	}
	err := conn.SendJSON(ctx, map[string]any{
		"type": "iot",
		"commands": []map[string]any{
			{"name": device, "method": method, "parameters": params},
		},
	})
	if err != nil {
		return tool.Result{}, fmt.Errorf("conn: iot command: %w", err)
	}
	return tool.Result{Action: tool.ActionResponse, Response: "Done."}, nil
}

// iotParameterSchema converts descriptor parameters to a JSON-schema object.
func iotParameterSchema(params map[string]iotParam) map[string]any {
	props := make(map[string]any, len(params))
	for name, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		props[name] = map[string]any{"type": typ, "description": p.Description}
	}
	return map[string]any{"type": "object", "properties": props}
}
