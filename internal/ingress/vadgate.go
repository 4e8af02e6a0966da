package ingress

import (
	"fmt"
	"time"

	"github.com/MrWong99/echolink/pkg/provider/vad"
	"github.com/MrWong99/echolink/pkg/types"
)

const (
	// hysteresisWindow is how many recent frame classifications vote on the
	// voice state. Majority wins, smoothing single-frame flicker.
	hysteresisWindow = 5

	// wakeSuppression forces silence after a wake-word acknowledgement so
	// the device's own playback doesn't re-trigger detection.
	wakeSuppression = 2 * time.Second
)

// Signal is the gate's per-frame segmentation verdict.
type Signal int

const (
	// SignalNone means no state change: silence, or suppressed input.
	SignalNone Signal = iota

	// SignalVoiceStart marks the silence-to-voice transition that opens an
	// ASR segment.
	SignalVoiceStart

	// SignalVoiceContinue means voice is still active.
	SignalVoiceContinue

	// SignalVoiceEnd marks the voice-to-silence transition that resolves
	// the segment.
	SignalVoiceEnd
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "NONE"
	case SignalVoiceStart:
		return "VOICE_START"
	case SignalVoiceContinue:
		return "VOICE_CONTINUE"
	case SignalVoiceEnd:
		return "VOICE_END"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Gate smooths raw VAD decisions into speech segments and raises barge-in
// when the user talks over device playback. Not safe for concurrent use;
// each connection owns one Gate fed from its read loop.
type Gate struct {
	session vad.SessionHandle

	window  []bool // ring of recent frame classifications
	next    int
	filled  int
	voicing bool

	suppressedUntil time.Time
	now             func() time.Time
}

// NewGate wraps a VAD session. The session stays owned by the gate; Close
// releases it.
func NewGate(session vad.SessionHandle) *Gate {
	return &Gate{
		session: session,
		window:  make([]bool, hysteresisWindow),
		now:     time.Now,
	}
}

// Process classifies one PCM frame. clientSpeaking is whether the device is
// currently playing TTS audio; mode is the connection's listen mode.
// bargeIn is raised when voice is detected during playback and the device
// is not in manual listen mode.
func (g *Gate) Process(pcm []byte, clientSpeaking bool, mode types.ListenMode) (Signal, bool, error) {
	isSpeech := false
	if g.now().After(g.suppressedUntil) {
		ev, err := g.session.ProcessFrame(pcm)
		if err != nil {
			return SignalNone, false, fmt.Errorf("ingress: vad frame: %w", err)
		}
		isSpeech = ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechContinue
	}

	g.window[g.next] = isSpeech
	g.next = (g.next + 1) % len(g.window)
	if g.filled < len(g.window) {
		g.filled++
	}

	voiced := g.majority()
	var sig Signal
	switch {
	case voiced && !g.voicing:
		g.voicing = true
		sig = SignalVoiceStart
	case voiced:
		sig = SignalVoiceContinue
	case !voiced && g.voicing:
		g.voicing = false
		sig = SignalVoiceEnd
	default:
		sig = SignalNone
	}

	bargeIn := voiced && clientSpeaking && mode != types.ListenManual
	return sig, bargeIn, nil
}

// JustWoken suppresses detection for the wake window so the acknowledgement
// clip playing on the device can't echo back into a new segment.
func (g *Gate) JustWoken() {
	g.suppressedUntil = g.now().Add(wakeSuppression)
	g.resetWindow()
	g.session.Reset()
}

// Reset clears segmentation state between turns without touching the wake
// suppression timer.
func (g *Gate) Reset() {
	g.resetWindow()
	g.session.Reset()
}

// Close releases the underlying VAD session.
func (g *Gate) Close() error {
	return g.session.Close()
}

func (g *Gate) resetWindow() {
	for i := range g.window {
		g.window[i] = false
	}
	g.next = 0
	g.filled = 0
	g.voicing = false
}

// majority reports whether more than half of the observed window frames
// were classified as speech.
func (g *Gate) majority() bool {
	if g.filled == 0 {
		return false
	}
	n := 0
	for i := 0; i < g.filled; i++ {
		if g.window[i] {
			n++
		}
	}
	return n*2 > g.filled
}
