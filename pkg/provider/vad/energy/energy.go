// Package energy implements a vad.Engine backed by short-term energy with an
// adaptive noise floor.
//
// The detector computes per-frame RMS energy over 16-bit PCM, tracks a slowly
// adapting noise-floor estimate, and maps the signal-to-floor ratio onto a
// pseudo-probability. It is deliberately simple: the pipeline above it applies
// its own hysteresis window, so the engine only needs stable frame-level
// scores. For production deployments a model-backed engine can be dropped in
// behind the same interface.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/echolink/pkg/provider/vad"
	"github.com/MrWong99/echolink/pkg/types"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions. Safe for concurrent use; each
// session carries its own state.
type Engine struct{}

// New creates an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a detection session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v out of range", cfg.SilenceThreshold)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		noiseFloor: initialNoiseFloor,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

const (
	// initialNoiseFloor assumes quiet room noise until the estimate adapts.
	initialNoiseFloor = 120.0

	// floorAdaptUp / floorAdaptDown control how fast the noise floor follows
	// the signal. Rising slowly prevents speech from inflating the floor.
	floorAdaptUp   = 0.005
	floorAdaptDown = 0.12

	// speechRatio is the signal-to-floor ratio mapped to probability 1.0.
	speechRatio = 8.0
)

type session struct {
	mu sync.Mutex

	cfg        vad.Config
	frameBytes int

	noiseFloor float64
	inSpeech   bool
	closed     bool
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := rms16(frame)

	// Adapt the noise floor: fast when the signal drops below it, slow when
	// above, so sustained speech does not drag the floor upward.
	if rms < s.noiseFloor {
		s.noiseFloor += (rms - s.noiseFloor) * floorAdaptDown
	} else {
		s.noiseFloor += (rms - s.noiseFloor) * floorAdaptUp
	}
	if s.noiseFloor < 1 {
		s.noiseFloor = 1
	}

	ratio := rms / (s.noiseFloor * speechRatio)
	prob := math.Min(1, ratio)

	ev := types.VADEvent{Probability: prob}
	switch {
	case !s.inSpeech && prob >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = types.VADSpeechStart
	case s.inSpeech && prob > s.cfg.SilenceThreshold:
		ev.Type = types.VADSpeechContinue
	case s.inSpeech:
		s.inSpeech = false
		ev.Type = types.VADSpeechEnd
	default:
		ev.Type = types.VADSilence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.noiseFloor = initialNoiseFloor
	s.inSpeech = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// rms16 computes the root-mean-square amplitude of little-endian int16 PCM.
func rms16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
