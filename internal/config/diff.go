package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// Provider selections. A changed provider means the shared module must
	// be rebuilt before new connections pick it up.
	VADChanged bool
	ASRChanged bool
	LLMChanged bool
	TTSChanged bool

	// DialogueChanged covers the per-connection defaults (prompt, voice,
	// wake words, idle windows). Running connections keep their settings.
	DialogueChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Any reports whether the diff carries any tracked change.
func (d ConfigDiff) Any() bool {
	return d.VADChanged || d.ASRChanged || d.LLMChanged || d.TTSChanged ||
		d.DialogueChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		VADChanged: vadChanged(old, new),
		ASRChanged: asrChanged(old, new),
		LLMChanged: !entryEqual(old.Providers.LLM, new.Providers.LLM),
		TTSChanged: !entryEqual(old.Providers.TTS, new.Providers.TTS),
	}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	d.DialogueChanged = dialogueChanged(&old.Dialogue, &new.Dialogue)
	return d
}

// vadChanged reports whether the VAD selection needs a module rebuild.
func vadChanged(old, new *Config) bool {
	return !entryEqual(old.Providers.VAD, new.Providers.VAD)
}

// asrChanged reports whether the STT selection needs a module rebuild.
func asrChanged(old, new *Config) bool {
	return !entryEqual(old.Providers.STT, new.Providers.STT)
}

// entryEqual compares two provider entries. Options values come from YAML
// and may nest maps, so they are compared structurally.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options) && reflect.DeepEqual(a.Fallbacks, b.Fallbacks)
}

func dialogueChanged(old, new *DialogueConfig) bool {
	if old.SystemPrompt != new.SystemPrompt ||
		old.Language != new.Language ||
		old.Voice != new.Voice ||
		old.ListenMode != new.ListenMode ||
		old.CloseNoVoiceSeconds != new.CloseNoVoiceSeconds ||
		old.EndPrompt != new.EndPrompt ||
		old.MaxOutputTurns != new.MaxOutputTurns ||
		old.TTSAudioSendDelayMs != new.TTSAudioSendDelayMs ||
		old.AssetsDir != new.AssetsDir ||
		old.WakeCacheDir != new.WakeCacheDir {
		return true
	}
	return !slices.Equal(old.WakeWords, new.WakeWords)
}
