// Package ttsgw bridges a streaming TTS provider to the device audio path.
//
// A [Session] owns one upstream synthesis stream and its background monitor.
// The turn engine feeds it text; the monitor drains vendor events, re-encodes
// PCM to device opus frames (16 kHz mono, 60 ms), and forwards audio,
// sentence captions, and completion signals to the connection through the
// [Output] interface.
//
// Upstream streams are expensive to open, so the session reuses one across
// turns while it stays inside the vendor idle window. A Start that finds the
// previous monitor still alive forcibly closes and reopens the stream: the
// old turn was abandoned and its state cannot be trusted.
package ttsgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/echolink/pkg/audio"
	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/types"
)

// deviceSampleRate is the opus sample rate expected by devices.
const deviceSampleRate = 16000

// defaultIdleWindow bounds upstream reuse. Vendors drop idle synthesis
// sockets silently; reconnecting past the window avoids writing into a dead
// stream.
const defaultIdleWindow = 60 * time.Second

// Encoder converts vendor PCM into device opus frames. [audio.OpusEncoder]
// satisfies it; Flush pads and returns any buffered partial frame.
type Encoder interface {
	Encode(pcm []byte) ([][]byte, error)
	Flush() ([]byte, error)
}

// Output receives synthesis results for one connection.
//
// Audio is called once per opus frame in playback order from the monitor
// goroutine; the paced sender behind it provides the timing. An Audio error
// mutes the rest of the current task but does not stop caption and
// completion signalling.
type Output interface {
	// SynthesisStarted signals that the vendor accepted the task.
	SynthesisStarted(sentenceID string)

	// SentenceCaption flushes the caption of the sentence just synthesized.
	SentenceCaption(sentenceID, text string)

	// Audio delivers one opus frame.
	Audio(ctx context.Context, sentenceID string, opus []byte) error

	// Finished signals that all queued text for the task has been played.
	Finished(sentenceID string)

	// Failed signals a vendor-side failure; the session is closed.
	Failed(sentenceID string, err error)
}

// Option configures a Session.
type Option func(*Session)

// WithIdleWindow overrides how long an idle upstream stream may be reused.
func WithIdleWindow(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.idleWindow = d
		}
	}
}

// Session is the per-connection synthesis gateway.
type Session struct {
	provider   tts.Provider
	voice      types.VoiceProfile
	out        Output
	enc        Encoder
	idleWindow time.Duration
	now        func() time.Time

	mu          sync.Mutex
	stream      tts.StreamSession
	monitorDone chan struct{}
	closing     bool
	sentenceID  string
	lastActive  time.Time
	deferred    [][][]byte // opus file segments played before Finished
}

// NewSession creates an idle Session. enc re-encodes vendor PCM; pass an
// [audio.OpusEncoder] built for 16 kHz mono 60 ms frames.
func NewSession(provider tts.Provider, voice types.VoiceProfile, out Output, enc Encoder, opts ...Option) *Session {
	s := &Session{
		provider:   provider,
		voice:      voice,
		out:        out,
		enc:        enc,
		idleWindow: defaultIdleWindow,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens (or reuses) the upstream stream for a new sentence id and
// launches the monitor. A still-running monitor from an abandoned turn is
// forcibly torn down first.
func (s *Session) Start(ctx context.Context, sentenceID string) error {
	s.mu.Lock()

	if s.monitorDone != nil {
		select {
		case <-s.monitorDone:
			// Previous monitor exited normally.
		default:
			slog.Warn("ttsgw: monitor still alive on start, reopening stream",
				"sentence_id", sentenceID)
			s.teardownLocked()
		}
	}

	if s.stream != nil && s.now().Sub(s.lastActive) > s.idleWindow {
		s.teardownLocked()
	}

	if s.stream == nil {
		s.mu.Unlock()
		stream, err := s.provider.StartStream(ctx, s.voice)
		if err != nil {
			return fmt.Errorf("ttsgw: start stream: %w", err)
		}
		s.mu.Lock()
		s.stream = stream
	}

	s.sentenceID = sentenceID
	s.lastActive = s.now()
	s.closing = false
	done := make(chan struct{})
	s.monitorDone = done
	stream := s.stream
	s.mu.Unlock()

	go s.monitor(ctx, stream, sentenceID, done)
	return nil
}

// SendText queues one text fragment for the current task.
func (s *Session) SendText(chunk string) error {
	s.mu.Lock()
	stream := s.stream
	s.lastActive = s.now()
	s.mu.Unlock()
	if stream == nil {
		return errors.New("ttsgw: no active stream")
	}
	return stream.SendText(chunk)
}

// Finish tells the vendor no more text is coming for the current task.
func (s *Session) Finish() error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return errors.New("ttsgw: no active stream")
	}
	return stream.Finish()
}

// QueueFilePlayback defers a pre-encoded opus segment (bind-code prompt,
// notify sound) to be played when the current task finishes, inside the
// same sentence envelope.
func (s *Session) QueueFilePlayback(frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, frames)
}

// MonitorAlive reports whether a monitor goroutine is still draining the
// upstream stream.
func (s *Session) MonitorAlive() bool {
	s.mu.Lock()
	done := s.monitorDone
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Close tears the session down, abandoning any in-flight synthesis.
func (s *Session) Close() error {
	s.mu.Lock()
	done := s.monitorDone
	s.teardownLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

// teardownLocked closes the upstream stream. Callers hold s.mu.
func (s *Session) teardownLocked() {
	s.closing = true
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			slog.Debug("ttsgw: stream close failed", "error", err)
		}
		s.stream = nil
	}
}

// monitor drains upstream events for one task, re-encoding audio and
// forwarding signals until the task finishes or fails.
func (s *Session) monitor(ctx context.Context, stream tts.StreamSession, sentenceID string, done chan struct{}) {
	defer close(done)

	inRate := s.provider.SampleRate()
	muted := false

	for ev := range stream.Events() {
		switch ev.Type {
		case tts.EventSynthesisStarted:
			s.out.SynthesisStarted(sentenceID)

		case tts.EventAudioChunk:
			if muted {
				continue
			}
			pcm := ev.PCM
			if inRate != deviceSampleRate {
				pcm = audio.ResampleMono16(pcm, inRate, deviceSampleRate)
			}
			frames, err := s.enc.Encode(pcm)
			if err != nil {
				slog.Warn("ttsgw: opus encode failed", "error", err)
				continue
			}
			for _, f := range frames {
				if err := s.out.Audio(ctx, sentenceID, f); err != nil {
					muted = true
					break
				}
			}

		case tts.EventSentenceEnd:
			s.out.SentenceCaption(sentenceID, ev.Text)

		case tts.EventTaskFinished:
			s.finishTask(ctx, sentenceID, muted)
			return

		case tts.EventTaskFailed:
			slog.Warn("ttsgw: synthesis failed", "sentence_id", sentenceID, "error", ev.Err)
			s.mu.Lock()
			s.teardownLocked()
			s.mu.Unlock()
			s.out.Failed(sentenceID, ev.Err)
			return
		}
	}

	// Events channel closed without a terminal event: deliberate teardown
	// and superseded monitors exit quietly, anything else is a vendor-side
	// drop.
	s.mu.Lock()
	quiet := s.closing || s.monitorDone != done
	s.mu.Unlock()
	if !quiet {
		s.out.Failed(sentenceID, errors.New("ttsgw: stream ended unexpectedly"))
	}
}

// finishTask flushes the encoder, plays deferred file segments, and signals
// completion.
func (s *Session) finishTask(ctx context.Context, sentenceID string, muted bool) {
	if !muted {
		if tail, err := s.enc.Flush(); err == nil && len(tail) > 0 {
			if err := s.out.Audio(ctx, sentenceID, tail); err != nil {
				muted = true
			}
		}
	}

	s.mu.Lock()
	deferred := s.deferred
	s.deferred = nil
	s.lastActive = s.now()
	s.mu.Unlock()

	if !muted {
		for _, segment := range deferred {
			for _, f := range segment {
				if err := s.out.Audio(ctx, sentenceID, f); err != nil {
					muted = true
					break
				}
			}
			if muted {
				break
			}
		}
	}

	s.out.Finished(sentenceID)
}
