// Package asr runs the per-turn speech recognition session.
//
// A [Session] spans one speech turn: it is opened when VAD detects voice,
// fed decoded device audio while the user speaks, and resolved when VAD
// closes the segment. Resolution flushes the upstream recognizer, waits a
// short grace period for the final hypothesis, and hands the merged
// transcript plus the turn's opus frame history to the turn engine.
//
// The session owns hypothesis merging: the longest meaningful partial wins
// while audio is streaming; once the last frame is sent, the latest
// non-empty result wins, with punctuation-only finals appended to the text
// instead of replacing it.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MrWong99/echolink/pkg/provider/stt"
)

const (
	// defaultReplayLimit bounds how many pre-roll frames are replayed when a
	// session opens. The frames arrive from the connection's turn buffer.
	defaultReplayLimit = 10

	// defaultFinalWait is how long Resolve waits for the recognizer's final
	// hypothesis after the upstream session is flushed.
	defaultFinalWait = 250 * time.Millisecond
)

// ErrUnavailable is wrapped into errors returned when the upstream
// recognizer cannot be reached.
var ErrUnavailable = errors.New("asr: recognizer unavailable")

// VendorError carries a protocol error code reported by the recognition
// vendor. Providers wrap these into SendAudio errors.
type VendorError struct {
	Code    int
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("asr: vendor error %d: %s", e.Code, e.Message)
}

// fatalVendorCodes identify vendor failures that cannot recover within the
// current stream; the session closes immediately instead of riding them out.
var fatalVendorCodes = map[int]bool{
	10114: true, // audio exceeds permitted duration
	10160: true, // request rejected, session invalidated
}

// IsFatal reports whether err carries a vendor code that requires closing
// the stream immediately.
func IsFatal(err error) bool {
	var ve *VendorError
	return errors.As(err, &ve) && fatalVendorCodes[ve.Code]
}

// State is the session lifecycle phase.
type State int

const (
	// StateIdle means no upstream session is open.
	StateIdle State = iota

	// StateOpen means the upstream session is being established and primed
	// with pre-roll audio.
	StateOpen

	// StateStreaming means live audio is flowing to the recognizer.
	StateStreaming

	// StateClosing means the last frame was sent and the session is waiting
	// for the final hypothesis.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the outcome of one resolved speech turn.
type Result struct {
	// Text is the merged final transcript. May be empty if the recognizer
	// produced nothing usable.
	Text string

	// OpusHistory holds every opus frame of the turn in arrival order,
	// including replayed pre-roll frames. Used for wake-word acknowledgement
	// caching and diagnostics.
	OpusHistory [][]byte
}

// DecodeFunc turns one opus frame into 16 kHz mono PCM bytes.
// [audio.OpusDecoder.Decode] satisfies it.
type DecodeFunc func(opus []byte) ([]byte, error)

// Option configures a Session.
type Option func(*Session)

// WithFinalWait overrides how long Resolve waits for the final hypothesis.
func WithFinalWait(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.finalWait = d
		}
	}
}

// WithReplayLimit overrides how many pre-roll frames Open replays.
func WithReplayLimit(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.replayLimit = n
		}
	}
}

// Session is the per-connection recognizer session. All methods are safe for
// concurrent use; Open/Feed/Resolve are expected to be called from the
// connection's read loop, Abort from anywhere.
type Session struct {
	provider    stt.Provider
	cfg         stt.StreamConfig
	decode      DecodeFunc
	finalWait   time.Duration
	replayLimit int

	mu         sync.Mutex
	state      State
	handle     stt.SessionHandle
	history    [][]byte
	hyp        hypothesis
	readerDone chan struct{}
}

// NewSession creates an idle Session over the given provider. decode converts
// device opus frames to the PCM format declared in cfg.
func NewSession(provider stt.Provider, cfg stt.StreamConfig, decode DecodeFunc, opts ...Option) *Session {
	s := &Session{
		provider:    provider,
		cfg:         cfg,
		decode:      decode,
		finalWait:   defaultFinalWait,
		replayLimit: defaultReplayLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentHypothesis returns the best transcript observed so far. Useful for
// wake-word checks against in-flight partials.
func (s *Session) CurrentHypothesis() string {
	return s.hyp.current()
}

// Open establishes the upstream session and primes it with the connection's
// cached pre-roll frames: the newest cached frame is sent first, then up to
// replayLimit older frames are replayed in order. Open moves the session to
// STREAMING on success.
func (s *Session) Open(ctx context.Context, cached [][]byte) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("asr: open in state %s", s.state)
	}
	s.state = StateOpen
	s.mu.Unlock()

	handle, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("asr: start stream: %w: %w", ErrUnavailable, err)
	}

	done := make(chan struct{})
	go s.readTranscripts(handle, done)

	s.mu.Lock()
	s.handle = handle
	s.readerDone = done
	s.hyp.reset()
	s.history = s.history[:0]
	s.mu.Unlock()

	if len(cached) > 0 {
		// Newest frame first so the vendor sees speech immediately, then the
		// older pre-roll in chronological order.
		s.sendFrame(cached[len(cached)-1])
		start := len(cached) - 1 - s.replayLimit
		if start < 0 {
			start = 0
		}
		for _, frame := range cached[start : len(cached)-1] {
			s.sendFrame(frame)
		}
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()
	return nil
}

// Feed delivers one live opus frame. Frames arriving outside STREAMING are
// dropped: they race with segment close and carry no usable speech.
func (s *Session) Feed(frame []byte) error {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.sendFrame(frame)
}

// sendFrame decodes and ships one opus frame, recording it in the turn
// history. Decode failures skip the frame; non-fatal send failures are
// logged and tolerated until the segment resolves.
func (s *Session) sendFrame(frame []byte) error {
	s.mu.Lock()
	handle := s.handle
	s.history = append(s.history, frame)
	s.mu.Unlock()
	if handle == nil {
		return nil
	}

	pcm, err := s.decode(frame)
	if err != nil {
		slog.Debug("asr: opus decode failed, frame skipped", "error", err)
		return nil
	}
	if err := handle.SendAudio(pcm); err != nil {
		if IsFatal(err) {
			slog.Warn("asr: fatal vendor error, closing stream", "error", err)
			s.Abort()
			return err
		}
		slog.Warn("asr: send audio failed", "error", err)
	}
	return nil
}

// Resolve flushes the upstream session and waits up to the final-wait grace
// period for the recognizer's last hypothesis, then returns the merged
// transcript and the turn's opus history. The session is idle afterwards.
func (s *Session) Resolve(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return Result{}, fmt.Errorf("asr: resolve in state %s", state)
	}
	s.state = StateClosing
	handle := s.handle
	done := s.readerDone
	s.mu.Unlock()

	// Everything from here on is post-LAST for hypothesis merging.
	s.hyp.markLast()

	if err := handle.Close(); err != nil {
		slog.Warn("asr: upstream close failed", "error", err)
	}

	timer := time.NewTimer(s.finalWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Debug("asr: final hypothesis wait timed out")
	case <-ctx.Done():
	}

	s.mu.Lock()
	res := Result{Text: s.hyp.current(), OpusHistory: s.history}
	s.history = nil
	s.handle = nil
	s.readerDone = nil
	s.state = StateIdle
	s.mu.Unlock()
	return res, nil
}

// Abort tears the session down without producing a result. Safe to call in
// any state.
func (s *Session) Abort() {
	s.mu.Lock()
	handle := s.handle
	s.history = nil
	s.handle = nil
	s.readerDone = nil
	s.state = StateIdle
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			slog.Debug("asr: abort close failed", "error", err)
		}
	}
	s.hyp.reset()
}

// readTranscripts merges partial and final hypotheses until both provider
// channels close.
func (s *Session) readTranscripts(handle stt.SessionHandle, done chan struct{}) {
	defer close(done)
	partials, finals := handle.Partials(), handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.hyp.observe(t.Text)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.hyp.observe(t.Text)
		}
	}
}

// hypothesis tracks the best transcript for one speech turn.
type hypothesis struct {
	mu        sync.Mutex
	text      string
	afterLast bool
}

func (h *hypothesis) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.text = ""
	h.afterLast = false
}

func (h *hypothesis) markLast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterLast = true
}

func (h *hypothesis) current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text
}

// observe merges one hypothesis. Before the last frame is sent the longest
// meaningful result wins; afterwards the newest non-empty result replaces
// the text, except that punctuation-only finals are appended (dropping a
// duplicate trailing period) instead of replacing the words they close.
func (h *hypothesis) observe(raw string) {
	t := strings.TrimSpace(raw)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.afterLast {
		if n := meaningfulLen(t); n > 0 && n >= meaningfulLen(h.text) {
			h.text = t
		}
		return
	}

	if t == "" {
		return
	}
	if isPunctuationOnly(t) && h.text != "" {
		h.text = strings.TrimRight(h.text, ".。") + t
		return
	}
	h.text = t
}

// meaningfulLen counts the runes that are neither punctuation nor spaces.
func meaningfulLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// isPunctuationOnly reports whether s is non-empty and contains only
// punctuation and spaces.
func isPunctuationOnly(s string) bool {
	if s == "" {
		return false
	}
	return meaningfulLen(s) == 0
}
