// Package types defines the shared types used across all echolink packages.
//
// These types form the lingua franca between providers, the per-connection
// pipeline, and the dialogue layer. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from devices, decoded
// by the opus codec, classified by VAD, and fed to the recognizer.
type AudioFrame struct {
	// Data is the frame payload. Opus-encoded on the device leg, raw PCM on the
	// provider leg; which one is determined by where in the pipeline the frame sits.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the device leg, vendor-specified for TTS).
	SampleRate int

	// Channels: 1 for mono (device and recognizer legs).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	// For gateway-framed audio this is the sender-assigned millisecond timestamp.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an ASR provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// SpeakerID identifies the speaker when voiceprint recognition is active.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for voiceprint-tagged speakers).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier, already sanitized for
	// function-calling schemas.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, language, style).
	Metadata map[string]string
}

// KeywordBoost represents a keyword to boost in ASR recognition.
// Used to improve recognition of wake words and device-specific vocabulary.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., the configured wake word).
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// ListenMode controls how the device signals speech segmentation.
type ListenMode string

const (
	// ListenAuto lets server-side VAD decide segment boundaries; barge-in is active.
	ListenAuto ListenMode = "auto"

	// ListenManual means the device sends explicit listen start/stop messages;
	// voice during playback does not trigger barge-in.
	ListenManual ListenMode = "manual"

	// ListenRealtime keeps the recognizer hot across turns.
	ListenRealtime ListenMode = "realtime"
)
