package resilience

import (
	"context"

	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Mixing backends with different sample rates is not supported: the synthesis
// gateway resamples against one fixed rate, so all entries must report the
// same SampleRate.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a synthesis session against the first healthy provider.
// Only session setup is covered by failover; once a session is established,
// mid-stream errors are the caller's responsibility.
func (f *TTSFallback) StartStream(ctx context.Context, voice types.VoiceProfile) (tts.StreamSession, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.StreamSession, error) {
		return p.StartStream(ctx, voice)
	})
}

// SampleRate reports the primary backend's PCM sample rate. Static metadata,
// so it does not participate in failover.
func (f *TTSFallback) SampleRate() int {
	return f.group.entries[0].value.SampleRate()
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
