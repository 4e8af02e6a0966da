// Package conn owns the per-device connection: it routes inbound text and
// binary WebSocket messages, drives the audio pipeline (frame routing, VAD
// gating, recognition), runs dialogue turns, and paces synthesized audio
// back out. One [Handler] serves exactly one device socket from accept to
// teardown.
package conn

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echolink/internal/asr"
	"github.com/MrWong99/echolink/internal/dialogue"
	"github.com/MrWong99/echolink/internal/egress"
	"github.com/MrWong99/echolink/internal/ingress"
	"github.com/MrWong99/echolink/internal/observe"
	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/internal/tool/devicemcp"
	"github.com/MrWong99/echolink/internal/tool/local"
	"github.com/MrWong99/echolink/internal/ttsgw"
	"github.com/MrWong99/echolink/internal/turn"
	"github.com/MrWong99/echolink/internal/wakeword"
	"github.com/MrWong99/echolink/pkg/audio"
	"github.com/MrWong99/echolink/pkg/memory"
	"github.com/MrWong99/echolink/pkg/provider/llm"
	"github.com/MrWong99/echolink/pkg/provider/stt"
	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/provider/vad"
	"github.com/MrWong99/echolink/pkg/types"
)

const (
	// defaultCloseNoVoice is how long a connection may sit without voice
	// before the farewell/close sequence starts.
	defaultCloseNoVoice = 120 * time.Second

	// idleGrace extends the no-voice window before the hard close, giving a
	// farewell turn time to play out.
	idleGrace = 60 * time.Second

	// idlePollInterval is how often the idle watcher checks activity.
	idlePollInterval = 10 * time.Second

	// bindPromptInterval limits how often the bind-code prompt replays while
	// the device is unbound.
	bindPromptInterval = 60 * time.Second

	// turnBufCap bounds the opus frames cached between VAD voice starts.
	turnBufCap = 60
)

// MessageKind distinguishes the two WebSocket payload kinds.
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
)

// Socket is the device WebSocket as the handler sees it. The server wraps
// the real connection; tests substitute an in-memory pipe.
type Socket interface {
	// Read blocks for the next message.
	Read(ctx context.Context) (MessageKind, []byte, error)

	// Write sends one message.
	Write(ctx context.Context, kind MessageKind, data []byte) error

	// Close closes the socket with a normal-closure status.
	Close(reason string) error
}

// Config carries the per-connection settings resolved during accept.
type Config struct {
	SessionID string // generated when empty
	DeviceID  string
	ClientID  string
	ClientIP  string

	// FromGateway marks connections relayed through the MQTT gateway; both
	// audio directions then carry the 16-byte frame header.
	FromGateway bool

	// NeedBind blocks dialogue until the device is bound; BindCode digits
	// are read out via canned clips.
	NeedBind bool
	BindCode string

	SystemPrompt string
	Language     string
	Voice        types.VoiceProfile
	WakeWords    []string

	// ListenMode is the initial segmentation mode; devices may switch it
	// with listen messages.
	ListenMode types.ListenMode

	// CloseNoVoiceTime overrides the idle window (default 120 s).
	CloseNoVoiceTime time.Duration

	// EndPrompt, when enabled, is spoken as a farewell turn before an idle
	// close.
	EndPromptEnable bool
	EndPrompt       string

	// ControlSecret gates in-band `server` control messages.
	ControlSecret string

	// AssetsDir holds the canned WAV clips (bind code, busy prompt).
	AssetsDir string

	// TTSSendDelay switches the paced sender to fixed-delay mode when > 0.
	TTSSendDelay time.Duration

	// MaxOutputTurns caps spoken turns per connection; 0 means unlimited.
	MaxOutputTurns int
}

// Modules are the provider-backed collaborators the handler wires together.
// Registry, UpdateConfig and Restart may be nil.
type Modules struct {
	STT      stt.Provider
	TTS      tts.Provider
	LLM      llm.Provider
	VAD      vad.SessionHandle
	Memory   memory.Store
	Registry *tool.Registry

	// ExtraTools are sources shared across connections (server-hosted MCP
	// clients). They are added to the per-connection registry; callers that
	// share a source across handlers must make its Close a no-op, because
	// the registry is closed with the connection.
	ExtraTools []tool.Source

	// UpdateConfig re-fetches configuration; wired to the server's reload.
	UpdateConfig func(ctx context.Context) error

	// Restart replaces the process after the reply is flushed.
	Restart func() error

	// Metrics records pipeline counters; nil disables recording.
	Metrics *observe.Metrics
}

// Handler is the per-connection state machine.
type Handler struct {
	cfg  Config
	log  *slog.Logger
	sock Socket
	mods Modules

	dlg      *dialogue.Store
	engine   *turn.Engine
	registry *tool.Registry
	device   *devicemcp.Client
	iot      *local.Source
	asr      *asr.Session
	gate     *ingress.Gate
	router   *ingress.Router
	tts      *ttsgw.Session
	sender   *egress.Sender
	wake     *wakeword.Detector
	wakes    *wakeword.Cache

	aborted        atomic.Bool // client requested / barge-in abort
	playing        atomic.Bool // device is playing synthesized audio
	closeAfterTurn atomic.Bool
	farewellSent   atomic.Bool
	lastActivity   atomic.Int64 // unix milliseconds
	spokenTurns    atomic.Int64

	mu            sync.Mutex
	listenMode    types.ListenMode
	manualVoice   bool
	turnBuf       [][]byte
	turnRunning   bool
	iotRegistered bool
	lastBind      time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	now       func() time.Time
	loadClip  func(path string) ([][]byte, error)
	decodeVAD func(opus []byte) ([]byte, error)
	decodeASR func(opus []byte) ([]byte, error)
	idlePoll  time.Duration
	idleGrace time.Duration
}

// New wires a Handler for one accepted socket. wakeCache may be nil to
// disable wake-word acknowledgements.
func New(cfg Config, sock Socket, mods Modules, wakeCache *wakeword.Cache) (*Handler, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.CloseNoVoiceTime <= 0 {
		cfg.CloseNoVoiceTime = defaultCloseNoVoice
	}
	if cfg.ListenMode == "" {
		cfg.ListenMode = types.ListenAuto
	}
	if cfg.EndPromptEnable && cfg.EndPrompt == "" {
		cfg.EndPrompt = "Please say a short, warm goodbye before we end this conversation."
	}

	h := &Handler{
		cfg:        cfg,
		log:        slog.With("session_id", cfg.SessionID, "device_id", cfg.DeviceID),
		sock:       sock,
		mods:       mods,
		dlg:        dialogue.NewStore(cfg.SystemPrompt),
		listenMode: cfg.ListenMode,
		wakes:      wakeCache,
		done:       make(chan struct{}),
		now:        time.Now,
		loadClip:   audio.LoadWAVAsOpus,
		idlePoll:   idlePollInterval,
		idleGrace:  idleGrace,
	}
	if len(cfg.WakeWords) > 0 {
		h.wake = wakeword.NewDetector(cfg.WakeWords)
	}

	// Two independent decoders: the VAD path and the recognizer path each
	// track their own opus stream state.
	vadDec, err := audio.NewDeviceDecoder()
	if err != nil {
		return nil, fmt.Errorf("conn: vad decoder: %w", err)
	}
	asrDec, err := audio.NewDeviceDecoder()
	if err != nil {
		return nil, fmt.Errorf("conn: asr decoder: %w", err)
	}
	h.decodeVAD = vadDec.Decode
	h.decodeASR = asrDec.Decode

	h.asr = asr.NewSession(mods.STT, stt.StreamConfig{
		SampleRate: audio.DeviceSampleRate,
		Channels:   1,
		Language:   cfg.Language,
	}, func(opus []byte) ([]byte, error) { return h.decodeASR(opus) })

	h.gate = ingress.NewGate(mods.VAD)
	if cfg.FromGateway {
		h.router = ingress.NewRouter(ingress.DefaultReorderCap)
	}

	senderOpts := []egress.Option{
		egress.WithAbortCheck(h.aborted.Load),
		egress.WithActivityFunc(h.touchActivity),
	}
	if cfg.FromGateway {
		senderOpts = append(senderOpts, egress.WithGatewayFraming())
	}
	if cfg.TTSSendDelay > 0 {
		senderOpts = append(senderOpts, egress.WithFixedDelay(cfg.TTSSendDelay))
	}
	h.sender = egress.NewSender(h.writeBinary, senderOpts...)

	enc, err := audio.NewDeviceEncoder()
	if err != nil {
		return nil, fmt.Errorf("conn: opus encoder: %w", err)
	}
	h.tts = ttsgw.NewSession(mods.TTS, cfg.Voice, h, enc)

	h.registry = mods.Registry
	if h.registry == nil {
		h.registry = tool.NewRegistry(local.New())
	}
	for _, src := range mods.ExtraTools {
		h.registry.Add(src)
	}
	h.iot = local.New()
	h.device = devicemcp.NewClient(h.sendMCP, devicemcp.WithReadyFunc(func() {
		h.registry.Add(h.device)
	}))

	engineOpts := []turn.Option{turn.WithAbortCheck(h.aborted.Load)}
	if mods.Memory != nil {
		engineOpts = append(engineOpts, turn.WithMemory(mods.Memory))
	}
	if mods.Metrics != nil {
		engineOpts = append(engineOpts, turn.WithMetrics(mods.Metrics))
	}
	h.engine = turn.New(mods.LLM, h.registry, h, engineOpts...)

	return h, nil
}

// tool.Conn implementation.

func (h *Handler) DeviceID() string  { return h.cfg.DeviceID }
func (h *Handler) SessionID() string { return h.cfg.SessionID }

// SendJSON writes one JSON control message to the device.
func (h *Handler) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conn: marshal control message: %w", err)
	}
	return h.sock.Write(ctx, KindText, data)
}

// RequestClose schedules a close once the current turn finishes speaking.
func (h *Handler) RequestClose(reason string) {
	h.log.Info("close requested", "reason", reason)
	h.closeAfterTurn.Store(true)
}

// Run serves the connection until the socket closes, the context ends, or
// the idle timeout fires. It always returns after teardown completed.
func (h *Handler) Run(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)
	defer h.close()

	h.touchActivity()
	go h.watchIdle()

	for {
		kind, data, err := h.sock.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.log.Debug("socket read ended", "error", err)
			}
			return nil
		}
		switch kind {
		case KindText:
			if err := h.routeText(h.ctx, data); err != nil {
				h.log.Warn("text message failed", "error", err)
			}
		case KindBinary:
			h.handleBinary(h.ctx, data)
		}
	}
}

// Done is closed after teardown completes.
func (h *Handler) Done() <-chan struct{} { return h.done }

func (h *Handler) writeBinary(ctx context.Context, data []byte) error {
	return h.sock.Write(ctx, KindBinary, data)
}

// sendMCP tunnels a JSON-RPC payload to the device MCP endpoint.
func (h *Handler) sendMCP(ctx context.Context, payload any) error {
	return h.SendJSON(ctx, map[string]any{"type": "mcp", "payload": payload})
}

func (h *Handler) touchActivity() {
	h.lastActivity.Store(h.now().UnixMilli())
}

// ListenMode returns the current segmentation mode.
func (h *Handler) ListenMode() types.ListenMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listenMode
}

// watchIdle closes the connection after prolonged silence, speaking the
// configured farewell first when enabled.
func (h *Handler) watchIdle() {
	ticker := time.NewTicker(h.idlePoll)
	defer ticker.Stop()

	limit := h.cfg.CloseNoVoiceTime + h.idleGrace
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		idle := time.Duration(h.now().UnixMilli()-h.lastActivity.Load()) * time.Millisecond
		switch {
		case idle <= limit:
			continue
		case h.cfg.EndPromptEnable && h.farewellSent.CompareAndSwap(false, true):
			h.log.Info("idle limit reached, speaking farewell")
			h.closeAfterTurn.Store(true)
			go h.runTurn(h.ctx, h.cfg.EndPrompt)
		case idle > limit+h.idleGrace || !h.cfg.EndPromptEnable:
			h.log.Info("idle limit reached, closing", "idle", idle)
			h.close()
			return
		}
	}
}

// runTurn executes one dialogue turn; concurrent triggers are dropped.
func (h *Handler) runTurn(ctx context.Context, query string) {
	h.mu.Lock()
	if h.turnRunning {
		h.mu.Unlock()
		h.log.Warn("turn already running, dropping query")
		return
	}
	h.turnRunning = true
	h.mu.Unlock()

	h.aborted.Store(false)
	ctx, span := observe.StartSpan(ctx, "dialogue.turn")
	defer span.End()
	start := h.now()
	err := h.engine.Run(ctx, h, h.dlg, query)

	h.mu.Lock()
	h.turnRunning = false
	h.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		h.log.Warn("turn failed", "error", err, "trace_id", observe.CorrelationID(ctx))
	}
	if h.mods.Metrics != nil {
		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case h.aborted.Load():
			status = "aborted"
		}
		h.mods.Metrics.RecordTurn(ctx, h.now().Sub(start), status)
	}
	h.spokenTurns.Add(1)
}

// handleServerControl processes in-band update_config / restart requests.
// The secret is compared constant-time; mismatches are answered with an
// error status and otherwise ignored.
func (h *Handler) handleServerControl(ctx context.Context, action, secret string) error {
	ok := len(h.cfg.ControlSecret) > 0 &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.ControlSecret)) == 1
	if !ok {
		h.log.Warn("server control rejected", "action", action)
		return h.SendJSON(ctx, map[string]any{
			"type": "server", "status": "error", "message": "invalid secret",
		})
	}

	switch action {
	case "update_config":
		if h.mods.UpdateConfig == nil {
			return h.SendJSON(ctx, map[string]any{
				"type": "server", "status": "error", "message": "config reload unavailable",
			})
		}
		if err := h.mods.UpdateConfig(ctx); err != nil {
			return h.SendJSON(ctx, map[string]any{
				"type": "server", "status": "error", "message": err.Error(),
			})
		}
		return h.SendJSON(ctx, map[string]any{
			"type": "server", "status": "success", "message": "config updated",
		})

	case "restart":
		if err := h.SendJSON(ctx, map[string]any{
			"type": "server", "status": "success", "message": "restarting",
			"content": map[string]any{"action": "restart"},
		}); err != nil {
			return err
		}
		if h.mods.Restart != nil {
			go func() {
				if err := h.mods.Restart(); err != nil {
					h.log.Error("restart failed", "error", err)
				}
			}()
		}
		return nil

	default:
		return fmt.Errorf("conn: unknown server action %q", action)
	}
}

// close runs the teardown sequence exactly once: stop loops, abort the
// recognizer, close synthesis and the socket, then persist the dialogue in
// the background.
func (h *Handler) close() {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.asr.Abort()
		if err := h.gate.Close(); err != nil {
			h.log.Debug("vad close failed", "error", err)
		}
		if err := h.registry.Close(); err != nil {
			h.log.Debug("tool registry close failed", "error", err)
		}
		if err := h.tts.Close(); err != nil {
			h.log.Debug("tts close failed", "error", err)
		}
		if err := h.sock.Close("session ended"); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Debug("socket close failed", "error", err)
		}

		if h.mods.Memory != nil {
			msgs := h.dlg.Messages()
			deviceID, sessionID := h.cfg.DeviceID, h.cfg.SessionID
			store := h.mods.Memory
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := store.SaveDialogue(ctx, deviceID, sessionID, msgs); err != nil {
					slog.Warn("conn: dialogue save failed",
						"device_id", deviceID, "error", err)
				}
			}()
		}

		h.log.Info("connection closed")
		close(h.done)
	})
}
