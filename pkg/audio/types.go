// Package audio provides the codec and format plumbing shared by the ingress
// and egress paths: Opus encode/decode for the device leg, PCM format
// conversion between device and provider sample rates, and WAV asset loading
// for canned prompts.
package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from devices, decoded
// by codecs, classified by VAD, and forwarded to the recognizer.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the device leg, 24000 for some TTS vendors).
	SampleRate int

	// Channels: 1 for mono (device and recognizer legs).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
