// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a duplex speech synthesis service and presents a
// uniform three-phase session contract: StartStream opens an upstream session,
// SendText feeds it text fragments as the LLM produces them, and Finish tells
// the vendor no more text is coming. Synthesis progress comes back on a single
// event channel carrying audio chunks and sentence-boundary markers, enabling
// low-latency pipelining between LLM output and device playback.
//
// Sessions may be reused across turns within a vendor-specific idle window;
// the gateway layer decides when to reconnect.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/echolink/pkg/types"
)

// EventType classifies a synthesis event.
type EventType int

const (
	// EventSynthesisStarted signals that the vendor accepted the session and
	// synthesis has begun.
	EventSynthesisStarted EventType = iota

	// EventAudioChunk carries raw PCM audio for the current sentence.
	EventAudioChunk

	// EventSentenceEnd marks a sentence boundary; Text carries the assembled
	// caption for the sentence just finished.
	EventSentenceEnd

	// EventTaskFinished signals that all queued text has been synthesised and
	// the session is idle again.
	EventTaskFinished

	// EventTaskFailed signals a vendor-side failure; Err carries the cause.
	// The session is unusable afterwards.
	EventTaskFailed
)

// Event is a single synthesis event emitted by a session.
type Event struct {
	// Type classifies the event.
	Type EventType

	// PCM is the raw little-endian 16-bit audio payload for EventAudioChunk.
	PCM []byte

	// Text is the sentence caption for EventSentenceEnd.
	Text string

	// Err is the failure cause for EventTaskFailed.
	Err error
}

// StreamSession is one open synthesis session. The session is single-writer:
// the gateway serialises SendText/Finish calls. Events must be drained until
// the channel closes to avoid blocking the provider's reader goroutine.
type StreamSession interface {
	// SendText queues a text fragment for synthesis. Fragments need not align
	// with sentence boundaries; the vendor segments on its own.
	SendText(chunk string) error

	// Finish signals that no more text is coming for the current task. The
	// vendor flushes remaining audio and emits EventTaskFinished.
	Finish() error

	// Events returns the synthesis event stream. Closed when the session ends.
	Events() <-chan Event

	// Close tears the session down immediately, abandoning any queued text.
	// Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StartStream opens a synthesis session for the given voice. The returned
	// session is ready to accept text immediately.
	StartStream(ctx context.Context, voice types.VoiceProfile) (StreamSession, error)

	// SampleRate reports the PCM sample rate of EventAudioChunk payloads.
	SampleRate() int

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
