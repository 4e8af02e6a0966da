package conn

import (
	"context"

	"github.com/google/uuid"

	"github.com/MrWong99/echolink/internal/asr"
	"github.com/MrWong99/echolink/internal/ingress"
	"github.com/MrWong99/echolink/pkg/types"
)

// handleBinary routes one inbound binary message. Gateway connections get
// the 16-byte header stripped and frames reordered; plain connections treat
// the message as a single opus frame.
func (h *Handler) handleBinary(ctx context.Context, data []byte) {
	if h.cfg.NeedBind {
		h.maybePlayBindPrompt(ctx)
		return
	}

	if h.router != nil {
		for _, frame := range h.router.Route(data) {
			h.processFrame(ctx, frame)
		}
		return
	}
	h.processFrame(ctx, data)
}

// processFrame pushes one opus frame through VAD gating and the recognizer.
func (h *Handler) processFrame(ctx context.Context, frame []byte) {
	mode := h.ListenMode()
	if mode == types.ListenManual {
		h.processManualFrame(ctx, frame)
		return
	}

	pcm, err := h.decodeVAD(frame)
	if err != nil {
		h.log.Debug("opus decode for vad failed", "error", err)
		return
	}

	signal, bargeIn, err := h.gate.Process(pcm, h.playing.Load(), mode)
	if err != nil {
		h.log.Warn("vad gate failed", "error", err)
		return
	}
	if bargeIn {
		h.log.Info("barge-in detected")
		h.aborted.Store(true)
		if h.mods.Metrics != nil {
			h.mods.Metrics.RecordBargeIn(ctx)
		}
	}

	h.cacheFrame(frame)

	switch signal {
	case ingress.SignalVoiceStart:
		h.touchActivity()
		if err := h.asr.Open(ctx, h.snapshotTurnBuf()); err != nil {
			h.log.Warn("asr open failed", "error", err)
		}
	case ingress.SignalVoiceContinue:
		h.touchActivity()
		if err := h.asr.Feed(frame); err != nil {
			h.log.Warn("asr feed failed", "error", err)
		}
	case ingress.SignalVoiceEnd:
		h.resolveTurn(ctx)
	}
}

// processManualFrame streams audio only between explicit listen start/stop
// messages; the VAD gate is not consulted.
func (h *Handler) processManualFrame(ctx context.Context, frame []byte) {
	h.mu.Lock()
	listening := h.manualVoice
	h.mu.Unlock()
	if !listening {
		return
	}

	h.touchActivity()
	h.cacheFrame(frame)
	if h.asr.State() == asr.StateIdle {
		if err := h.asr.Open(ctx, h.snapshotTurnBuf()); err != nil {
			h.log.Warn("asr open failed", "error", err)
		}
		return
	}
	if err := h.asr.Feed(frame); err != nil {
		h.log.Warn("asr feed failed", "error", err)
	}
}

// resolveTurn finishes the open speech segment and hands the transcript to
// the dialogue layer.
func (h *Handler) resolveTurn(ctx context.Context) {
	h.flushRouter()
	result, err := h.asr.Resolve(ctx)
	h.clearTurnBuf()
	if err != nil {
		h.log.Warn("asr resolve failed", "error", err)
		return
	}
	if result.Text == "" {
		return
	}
	if h.mods.Metrics != nil {
		h.mods.Metrics.RecordASRFinal(ctx)
	}
	h.onTranscript(ctx, result.Text)
}

// flushRouter drains frames still parked in the gateway reorder buffer so
// every routed frame reaches the recognizer before the segment resolves.
func (h *Handler) flushRouter() {
	if h.router == nil {
		return
	}
	for _, frame := range h.router.Flush() {
		h.cacheFrame(frame)
		if err := h.asr.Feed(frame); err != nil {
			h.log.Debug("asr feed of flushed frame failed", "error", err)
		}
	}
}

// onTranscript publishes the recognized text to the device, short-circuits
// wake words, and otherwise starts a dialogue turn.
func (h *Handler) onTranscript(ctx context.Context, text string) {
	if err := h.SendJSON(ctx, map[string]any{
		"type": "stt", "text": text, "session_id": h.cfg.SessionID,
	}); err != nil {
		h.log.Debug("stt publish failed", "error", err)
	}

	if h.wake != nil && h.wakes != nil && h.wake.Match(text) {
		h.handleWake(ctx)
		return
	}

	if h.cfg.MaxOutputTurns > 0 && h.spokenTurns.Load() >= int64(h.cfg.MaxOutputTurns) {
		h.handleOutputExhausted(ctx)
		return
	}

	go h.runTurn(ctx, text)
}

// handleWake plays the cached acknowledgement clip instead of running a
// turn, then suppresses the VAD gate so the clip's echo is not re-recognized.
func (h *Handler) handleWake(ctx context.Context) {
	resp, err := h.wakes.Response(ctx, h.cfg.Voice.ID)
	if err != nil {
		h.log.Warn("wake acknowledgement unavailable", "error", err)
		return
	}

	h.gate.JustWoken()
	h.aborted.Store(false)
	if err := h.playCanned(ctx, uuid.NewString(), resp.Text, resp.Frames); err != nil {
		h.log.Warn("wake playback failed", "error", err)
		return
	}
	h.dlg.Put(types.Message{Role: "assistant", Content: resp.Text})
}

func (h *Handler) cacheFrame(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.turnBuf) >= turnBufCap {
		h.turnBuf = h.turnBuf[1:]
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	h.turnBuf = append(h.turnBuf, cp)
}

func (h *Handler) snapshotTurnBuf() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.turnBuf))
	copy(out, h.turnBuf)
	return out
}

func (h *Handler) clearTurnBuf() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turnBuf = nil
}
