package conn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MrWong99/echolink/internal/egress"
	"github.com/MrWong99/echolink/internal/turn"
	"github.com/MrWong99/echolink/internal/ttsgw"
)

var (
	_ turn.Sink    = (*Handler)(nil)
	_ ttsgw.Output = (*Handler)(nil)
)

// turn.Sink implementation: the turn engine's reply enters synthesis here.

// First opens the TTS envelope for a new reply.
func (h *Handler) First(id string) {
	h.playing.Store(true)
	h.sender.BeginSentence(id)
	if err := h.SendJSON(h.ctx, map[string]any{
		"type": "tts", "state": "start", "session_id": h.cfg.SessionID,
	}); err != nil {
		h.log.Debug("tts start publish failed", "error", err)
	}
	if err := h.tts.Start(h.ctx, id); err != nil {
		h.log.Warn("tts session start failed", "error", err)
	}
}

// Text forwards one content fragment to the synthesizer.
func (h *Handler) Text(text string) {
	if err := h.tts.SendText(text); err != nil {
		h.log.Debug("tts text rejected", "error", err)
	}
}

// Last closes the text side of the reply; the stop signal to the device is
// sent when synthesis finishes (Finished).
func (h *Handler) Last(id string) {
	if err := h.tts.Finish(); err != nil {
		h.log.Debug("tts finish rejected", "error", err)
		// Nothing will finish upstream; release the envelope ourselves.
		h.Finished(id)
	}
}

// Emotion publishes the detected emotion as an llm side-signal.
func (h *Handler) Emotion(name, emoji string) {
	if err := h.SendJSON(h.ctx, map[string]any{
		"type": "llm", "text": emoji, "emotion": name, "session_id": h.cfg.SessionID,
	}); err != nil {
		h.log.Debug("emotion publish failed", "error", err)
	}
}

// ttsgw.Output implementation: synthesis results leave toward the device here.

// SynthesisStarted is informational; the start signal already went out with
// the turn's FIRST marker.
func (h *Handler) SynthesisStarted(sentenceID string) {
	h.log.Debug("synthesis started", "sentence_id", sentenceID)
}

// SentenceCaption publishes the caption of the sentence being played.
func (h *Handler) SentenceCaption(sentenceID, text string) {
	if err := h.SendJSON(h.ctx, map[string]any{
		"type": "tts", "state": "sentence_start", "text": text,
		"session_id": h.cfg.SessionID,
	}); err != nil {
		h.log.Debug("caption publish failed", "error", err)
	}
}

// Audio paces one opus frame to the device. An ErrAborted return mutes the
// rest of the task inside the TTS gateway.
func (h *Handler) Audio(ctx context.Context, _ string, opus []byte) error {
	err := h.sender.Send(ctx, opus)
	if err != nil && !errors.Is(err, egress.ErrAborted) {
		h.log.Debug("audio send failed", "error", err)
	}
	return err
}

// Finished closes the TTS envelope for the device and runs any deferred
// close request.
func (h *Handler) Finished(sentenceID string) {
	h.playing.Store(false)
	if err := h.SendJSON(h.ctx, map[string]any{
		"type": "tts", "state": "stop", "session_id": h.cfg.SessionID,
	}); err != nil {
		h.log.Debug("tts stop publish failed", "error", err)
	}
	if h.closeAfterTurn.Load() {
		go h.close()
	}
}

// Failed tears the envelope down after a vendor-side synthesis failure.
func (h *Handler) Failed(sentenceID string, err error) {
	h.log.Warn("synthesis failed", "sentence_id", sentenceID, "error", err)
	h.Finished(sentenceID)
}

// playCanned plays a pre-encoded clip inside a full TTS envelope, bypassing
// the synthesizer. Used for wake acknowledgements and canned prompts.
func (h *Handler) playCanned(ctx context.Context, sentenceID, caption string, frames [][]byte) error {
	h.playing.Store(true)
	defer h.playing.Store(false)

	h.sender.BeginSentence(sentenceID)
	if err := h.SendJSON(ctx, map[string]any{
		"type": "tts", "state": "start", "session_id": h.cfg.SessionID,
	}); err != nil {
		return err
	}
	if caption != "" {
		if err := h.SendJSON(ctx, map[string]any{
			"type": "tts", "state": "sentence_start", "text": caption,
			"session_id": h.cfg.SessionID,
		}); err != nil {
			return err
		}
	}
	if err := h.sender.SendAll(ctx, frames); err != nil && !errors.Is(err, egress.ErrAborted) {
		return fmt.Errorf("conn: canned playback: %w", err)
	}
	return h.SendJSON(ctx, map[string]any{
		"type": "tts", "state": "stop", "session_id": h.cfg.SessionID,
	})
}

// maybePlayBindPrompt reads the device's bind code out loud, at most once
// per interval, while dialogue is blocked on binding.
func (h *Handler) maybePlayBindPrompt(ctx context.Context) {
	h.mu.Lock()
	due := h.lastBind.IsZero() || h.now().Sub(h.lastBind) >= bindPromptInterval
	if due {
		h.lastBind = h.now()
	}
	h.mu.Unlock()
	if !due {
		return
	}

	frames, caption := h.bindPromptFrames()
	if len(frames) == 0 {
		return
	}
	if err := h.playCanned(ctx, uuid.NewString(), caption, frames); err != nil {
		h.log.Warn("bind prompt playback failed", "error", err)
	}
}

// bindPromptFrames assembles the bind announcement: the lead-in clip plus
// one clip per code digit, or the not-found clip when no code exists.
func (h *Handler) bindPromptFrames() ([][]byte, string) {
	if h.cfg.BindCode == "" {
		frames, err := h.loadClip(filepath.Join(h.cfg.AssetsDir, "bind_not_found.wav"))
		if err != nil {
			h.log.Warn("bind asset missing", "error", err)
			return nil, ""
		}
		return frames, "Device not found, please check the configuration."
	}

	frames, err := h.loadClip(filepath.Join(h.cfg.AssetsDir, "bind_code.wav"))
	if err != nil {
		h.log.Warn("bind asset missing", "error", err)
		return nil, ""
	}
	for _, digit := range h.cfg.BindCode {
		clip, err := h.loadClip(filepath.Join(h.cfg.AssetsDir, "bind_code", string(digit)+".wav"))
		if err != nil {
			h.log.Warn("bind digit asset missing", "digit", string(digit), "error", err)
			continue
		}
		frames = append(frames, clip...)
	}
	return frames, "Please bind the device with code " + h.cfg.BindCode + "."
}

// handleOutputExhausted plays the busy clip and schedules a close once the
// device's output budget is spent.
func (h *Handler) handleOutputExhausted(ctx context.Context) {
	h.log.Info("output budget exhausted", "turns", h.spokenTurns.Load())
	frames, err := h.loadClip(filepath.Join(h.cfg.AssetsDir, "max_output_size.wav"))
	if err != nil {
		h.log.Warn("busy asset missing", "error", err)
	} else if err := h.playCanned(ctx, uuid.NewString(), "I need a break, let's talk later.", frames); err != nil {
		h.log.Warn("busy playback failed", "error", err)
	}
	h.RequestClose("output budget exhausted")
	go h.close()
}
