package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy", "silero"},
}

// envRef matches ${VAR} references in the raw config text. Bare $VAR is left
// untouched so prompts and passwords containing dollars survive.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Load reads the YAML configuration file at path, expands ${ENV_VAR}
// references, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(expandEnv(data)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references with the environment value.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

// applyDefaults fills the fields a minimal config may omit.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8000"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogText
	}
	if cfg.Dialogue.ListenMode == "" {
		cfg.Dialogue.ListenMode = ListenAuto
	}
	if cfg.Dialogue.CloseNoVoiceSeconds == 0 {
		cfg.Dialogue.CloseNoVoiceSeconds = 120
	}
	if cfg.MCP.SettingsPath == "" {
		cfg.MCP.SettingsPath = "data/.mcp_server_settings.json"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}
	if !cfg.Dialogue.ListenMode.IsValid() {
		errs = append(errs, fmt.Errorf("dialogue.listen_mode %q is invalid; valid values: auto, manual, realtime", cfg.Dialogue.ListenMode))
	}
	if cfg.Dialogue.CloseNoVoiceSeconds < 0 {
		errs = append(errs, fmt.Errorf("dialogue.close_connection_no_voice_time %d must not be negative", cfg.Dialogue.CloseNoVoiceSeconds))
	}
	if sf := cfg.Dialogue.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("dialogue.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Unknown provider names only warn; third-party factories may register later.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// The pipeline cannot run without its three stages.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
	} {
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			} else {
				validateProviderName(kind, fb.Name)
			}
		}
	}
	if len(cfg.Providers.VAD.Fallbacks) > 0 {
		slog.Warn("providers.vad.fallbacks is not supported and will be ignored")
	}

	// Auth
	if cfg.Server.Auth.Enabled && cfg.Server.Auth.Secret == "" {
		errs = append(errs, errors.New("server.auth.secret is required when server.auth.enabled is true"))
	}
	if cfg.Server.Auth.ExpireSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.auth.expire_seconds %d must not be negative", cfg.Server.Auth.ExpireSeconds))
	}

	// TLS
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Manager API
	if cfg.Manager.ReadConfigFromAPI && cfg.Manager.URL == "" {
		errs = append(errs, errors.New("manager.url is required when manager.read_config_from_api is true"))
	}

	// Voice provider ↔ TTS provider cross-validation.
	if v := cfg.Dialogue.Voice.Provider; v != "" && cfg.Providers.TTS.Name != "" && v != cfg.Providers.TTS.Name {
		slog.Warn("dialogue voice provider does not match configured TTS provider",
			"voice_provider", v,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; dialogue history will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
