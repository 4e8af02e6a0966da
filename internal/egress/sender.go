// Package egress paces synthesized opus frames out to the device.
//
// Playback is real-time: a 60 ms frame must land roughly every 60 ms or the
// device either starves or buffers unboundedly. The [Sender] front-loads a
// small pre-buffer for low first-audio latency, then holds each frame to a
// schedule computed from a single monotonic base so pacing never drifts,
// and drops the rest of the sentence the moment the user barges in.
package egress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/echolink/internal/ingress"
)

const (
	// DefaultFrameDuration matches the device opus codec framing.
	DefaultFrameDuration = 60 * time.Millisecond

	// preBufferFrames are sent immediately at the start of each sentence.
	preBufferFrames = 5
)

// ErrAborted is returned when barge-in cancels the current sentence.
// Remaining frames of the sentence must be dropped.
var ErrAborted = errors.New("egress: playback aborted")

// WriteFunc delivers one binary message to the device socket.
type WriteFunc func(ctx context.Context, data []byte) error

// Option configures a Sender.
type Option func(*Sender)

// WithFrameDuration overrides the pacing interval. Values <= 0 are ignored.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.frameDuration = d
		}
	}
}

// WithFixedDelay switches pacing to a constant sleep between frames after
// the pre-buffer, instead of the drift-free rate schedule.
func WithFixedDelay(d time.Duration) Option {
	return func(s *Sender) { s.fixedDelay = d }
}

// WithGatewayFraming wraps every frame in the 16-byte MQTT-gateway header,
// with a per-sentence monotonic sequence and wall-clock millisecond
// timestamps.
func WithGatewayFraming() Option {
	return func(s *Sender) { s.gateway = true }
}

// WithAbortCheck installs the barge-in probe consulted before every frame.
func WithAbortCheck(fn func() bool) Option {
	return func(s *Sender) { s.aborted = fn }
}

// WithActivityFunc registers a callback invoked after every sent frame,
// feeding the connection's idle-timeout timer.
func WithActivityFunc(fn func()) Option {
	return func(s *Sender) { s.onActivity = fn }
}

// Sender paces opus frames for one connection. Safe for concurrent use,
// though frames of a sentence are expected to arrive from a single
// goroutine (the TTS monitor).
type Sender struct {
	write         WriteFunc
	frameDuration time.Duration
	fixedDelay    time.Duration
	gateway       bool
	aborted       func() bool
	onActivity    func()

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	sentenceID  string
	packetCount int
	sequence    uint32
	base        time.Time
}

// NewSender creates a Sender writing through write.
func NewSender(write WriteFunc, opts ...Option) *Sender {
	s := &Sender{
		write:         write,
		frameDuration: DefaultFrameDuration,
		aborted:       func() bool { return false },
		onActivity:    func() {},
		now:           time.Now,
		sleep:         sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BeginSentence resets pacing state for a new sentence id: packet count and
// sequence restart and the rate schedule gets a fresh monotonic base.
func (s *Sender) BeginSentence(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentenceID = id
	s.packetCount = 0
	s.sequence = 0
	s.base = s.now()
}

// SentenceID returns the sentence currently being paced.
func (s *Sender) SentenceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentenceID
}

// Send paces one opus frame out. The first preBufferFrames frames of a
// sentence go immediately; afterwards the frame is held until its slot in
// the schedule (or for the fixed delay, when configured). Returns
// ErrAborted when barge-in cancels the sentence.
func (s *Sender) Send(ctx context.Context, opus []byte) error {
	if s.aborted() {
		return ErrAborted
	}

	s.mu.Lock()
	index := s.packetCount
	base := s.base
	s.mu.Unlock()

	switch {
	case index < preBufferFrames:
		// Pre-buffer: no delay.
	case s.fixedDelay > 0:
		if err := s.sleep(ctx, s.fixedDelay); err != nil {
			return err
		}
	default:
		// Rate-controlled: hold until this frame's slot relative to the
		// sentence base. Recomputing from the base on every frame avoids
		// cumulative drift.
		target := base.Add(time.Duration(index) * s.frameDuration)
		if wait := target.Sub(s.now()); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	if s.aborted() {
		return ErrAborted
	}
	return s.deliver(ctx, opus)
}

// SendAll paces a frame list (file playback). Stops at the first error;
// barge-in surfaces as ErrAborted.
func (s *Sender) SendAll(ctx context.Context, frames [][]byte) error {
	for _, f := range frames {
		if err := s.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// deliver writes one frame, applying gateway framing when configured, and
// advances the per-sentence counters.
func (s *Sender) deliver(ctx context.Context, opus []byte) error {
	s.mu.Lock()
	seq := s.sequence
	s.mu.Unlock()

	payload := opus
	if s.gateway {
		ts := uint32(s.now().UnixMilli() % (1 << 32))
		payload = ingress.EncodeFrame(opus, seq, ts)
	}
	if err := s.write(ctx, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.packetCount++
	s.sequence++
	s.mu.Unlock()
	s.onActivity()
	return nil
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
