// Command echolink is the main entry point for the EchoLink voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/echolink/internal/auth"
	"github.com/MrWong99/echolink/internal/config"
	"github.com/MrWong99/echolink/internal/health"
	"github.com/MrWong99/echolink/internal/observe"
	"github.com/MrWong99/echolink/internal/resilience"
	"github.com/MrWong99/echolink/internal/server"
	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/internal/tool/mcphost"
	"github.com/MrWong99/echolink/internal/wakeword"
	"github.com/MrWong99/echolink/pkg/memory/postgres"
	"github.com/MrWong99/echolink/pkg/provider/llm"
	"github.com/MrWong99/echolink/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/echolink/pkg/provider/llm/openai"
	"github.com/MrWong99/echolink/pkg/provider/stt"
	"github.com/MrWong99/echolink/pkg/provider/stt/deepgram"
	"github.com/MrWong99/echolink/pkg/provider/stt/whisper"
	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/provider/tts/coqui"
	"github.com/MrWong99/echolink/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/echolink/pkg/provider/vad"
	"github.com/MrWong99/echolink/pkg/provider/vad/energy"
	"github.com/MrWong99/echolink/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echolink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echolink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log.Format, level)
	slog.SetDefault(logger)

	slog.Info("echolink starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Log.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echolink"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Shared modules ────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	mods, err := buildModules(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	var store *postgres.Store
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		store, err = postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open dialogue store", "err", err)
			return 1
		}
		defer store.Close()
		mods.Memory = store
		slog.Info("dialogue store connected")
	}

	// Server-hosted tools: external MCP servers shared by every connection.
	// Device-local builtins are created per connection.
	host := mcphost.New()
	servers, err := mcphost.LoadSettings(cfg.MCP.SettingsPath)
	if err != nil {
		slog.Error("failed to load MCP server settings", "err", err)
		return 1
	}
	host.RegisterServers(ctx, servers)
	defer host.Close()
	mods.Tools = []tool.Source{host}

	// ── Wake acknowledgement cache ────────────────────────────────────────────
	settings := settingsFromConfig(cfg)

	wakeDir := cfg.Dialogue.WakeCacheDir
	if wakeDir == "" {
		wakeDir = "data/wake"
	}
	wakes, err := wakeword.NewCache(wakeDir, ttsSynthesize(mods.TTS, settings.Voice))
	if err != nil {
		slog.Error("failed to initialise wake cache", "err", err)
		return 1
	}

	// ── Health probes + metrics scrape ────────────────────────────────────────
	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: store.Ping})
	}
	probes := health.New(checkers...)

	// ── Server options ────────────────────────────────────────────────────────
	mw := observe.Middleware(metrics)
	opts := []server.Option{
		server.WithWakeCache(wakes),
		server.WithMetrics(metrics),
		server.WithRestart(restartProcess),
		server.WithRoute("/healthz", mw(http.HandlerFunc(probes.Healthz))),
		server.WithRoute("/readyz", mw(http.HandlerFunc(probes.Readyz))),
		server.WithRoute("/metrics", mw(promhttp.Handler())),
	}

	if cfg.Server.Auth.Enabled {
		var authOpts []auth.Option
		if secs := cfg.Server.Auth.ExpireSeconds; secs > 0 {
			authOpts = append(authOpts, auth.WithExpiry(time.Duration(secs)*time.Second))
		}
		verifier := auth.New(cfg.Server.Auth.Secret, authOpts...)
		opts = append(opts, server.WithAuth(verifier, cfg.Server.Auth.AllowedDevices))
	}

	if cfg.Manager.ReadConfigFromAPI {
		remote := config.NewRemote(cfg.Manager)
		opts = append(opts, server.WithDeviceConfig(deviceConfigFetcher(remote)))
		slog.Info("per-device settings served by manager API", "url", cfg.Manager.URL)
	}

	if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
		opts = append(opts, server.WithTLS(tlsCfg.CertFile, tlsCfg.KeyFile))
	}

	// update_config re-reads the file and rebuilds only the providers whose
	// entries changed. The memory store and MCP host survive reloads.
	reloader := &reloader{
		path:  *configPath,
		reg:   reg,
		cfg:   cfg,
		mods:  mods,
		level: level,
	}
	opts = append(opts, server.WithReload(reloader.reload))

	printStartupSummary(cfg)

	srv := server.New(cfg.Server.ListenAddr, mods, settings, opts...)

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with EchoLink. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai goes through the official SDK; it carries the tool-calling
	// surface the turn engine leans on.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors share the any-llm router: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildModules instantiates the shared providers named in cfg. Entries with a
// fallbacks list are wrapped in a circuit-breaker failover group.
func buildModules(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (server.Modules, error) {
	var mods server.Modules
	var err error

	if mods.LLM, err = buildLLM(reg, cfg.Providers.LLM, metrics); err != nil {
		return mods, err
	}
	if mods.STT, err = buildSTT(reg, cfg.Providers.STT, metrics); err != nil {
		return mods, err
	}
	if mods.TTS, err = buildTTS(reg, cfg.Providers.TTS, metrics); err != nil {
		return mods, err
	}
	if mods.VAD, err = buildVAD(reg, cfg.Providers.VAD); err != nil {
		return mods, err
	}
	return mods, nil
}

// providerErrorHook feeds fallback-group call failures into the provider error
// counter.
func providerErrorHook(metrics *observe.Metrics, kind string) func(string, error) {
	return func(name string, _ error) {
		metrics.RecordProviderError(context.Background(), name, kind)
	}
}

func buildLLM(reg *config.Registry, entry config.ProviderEntry, metrics *observe.Metrics) (llm.Provider, error) {
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name)
	if len(entry.Fallbacks) == 0 {
		return p, nil
	}
	fb := resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{
		OnFailure: providerErrorHook(metrics, "llm"),
	})
	for _, e := range entry.Fallbacks {
		q, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, q)
		slog.Info("fallback provider created", "kind", "llm", "name", e.Name)
	}
	return fb, nil
}

func buildSTT(reg *config.Registry, entry config.ProviderEntry, metrics *observe.Metrics) (stt.Provider, error) {
	p, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name, "local", p.Local())
	if len(entry.Fallbacks) == 0 {
		return p, nil
	}
	fb := resilience.NewSTTFallback(p, entry.Name, resilience.FallbackConfig{
		OnFailure: providerErrorHook(metrics, "stt"),
	})
	for _, e := range entry.Fallbacks {
		q, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, q)
		slog.Info("fallback provider created", "kind", "stt", "name", e.Name)
	}
	return fb, nil
}

func buildTTS(reg *config.Registry, entry config.ProviderEntry, metrics *observe.Metrics) (tts.Provider, error) {
	p, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", entry.Name)
	if len(entry.Fallbacks) == 0 {
		return p, nil
	}
	fb := resilience.NewTTSFallback(p, entry.Name, resilience.FallbackConfig{
		OnFailure: providerErrorHook(metrics, "tts"),
	})
	for _, e := range entry.Fallbacks {
		q, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, q)
		slog.Info("fallback provider created", "kind", "tts", "name", e.Name)
	}
	return fb, nil
}

func buildVAD(reg *config.Registry, entry config.ProviderEntry) (vad.Engine, error) {
	if entry.Name == "" {
		return energy.New(), nil
	}
	p, err := reg.CreateVAD(entry)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", entry.Name)
	return p, nil
}

// settingsFromConfig translates the dialogue section into server settings.
func settingsFromConfig(cfg *config.Config) server.Settings {
	return server.Settings{
		SystemPrompt: cfg.Dialogue.SystemPrompt,
		Language:     cfg.Dialogue.Language,
		Voice:        cfg.Dialogue.Voice.Profile(),
		WakeWords:    cfg.Dialogue.WakeWords,
		ListenMode:   types.ListenMode(cfg.Dialogue.ListenMode),

		CloseNoVoiceTime: cfg.Dialogue.CloseNoVoiceTime(),
		EndPromptEnable:  cfg.Dialogue.EndPrompt.Enable,
		EndPrompt:        cfg.Dialogue.EndPrompt.Prompt,
		MaxOutputTurns:   cfg.Dialogue.MaxOutputTurns,

		ControlSecret: cfg.Server.ControlSecret,
		AssetsDir:     cfg.Dialogue.AssetsDir,
		TTSSendDelay:  cfg.Dialogue.TTSSendDelay(),

		VADSpeechThreshold:  optFloat(cfg.Providers.VAD.Options, "speech_threshold"),
		VADSilenceThreshold: optFloat(cfg.Providers.VAD.Options, "silence_threshold"),
	}
}

// deviceConfigFetcher adapts the manager API client to the server's
// per-device settings hook.
func deviceConfigFetcher(remote *config.Remote) server.DeviceConfigFunc {
	return func(ctx context.Context, deviceID, clientID string) (server.Overrides, error) {
		ds, err := remote.DeviceSettings(ctx, deviceID, clientID)
		if err != nil {
			var nb *config.NotBoundError
			if errors.As(err, &nb) {
				return server.Overrides{}, &server.NotBoundError{BindCode: nb.BindCode}
			}
			return server.Overrides{}, err
		}
		ov := server.Overrides{
			SystemPrompt:   ds.SystemPrompt,
			Language:       ds.Language,
			WakeWords:      ds.WakeWords,
			MaxOutputTurns: ds.MaxOutputTurns,
		}
		if ds.VoiceID != "" {
			ov.Voice = types.VoiceProfile{
				ID:          ds.VoiceID,
				Provider:    ds.VoiceProvider,
				SpeedFactor: ds.SpeedFactor,
			}
		}
		if ds.CloseNoVoiceSeconds > 0 {
			ov.CloseNoVoiceTime = time.Duration(ds.CloseNoVoiceSeconds) * time.Second
		}
		return ov, nil
	}
}

// ttsSynthesize adapts a TTS provider to the wake cache's one-shot synthesis
// hook: run a full session for one short phrase and collect the PCM.
func ttsSynthesize(p tts.Provider, voice types.VoiceProfile) wakeword.SynthesizeFunc {
	return func(ctx context.Context, text string) ([]byte, int, error) {
		sess, err := p.StartStream(ctx, voice)
		if err != nil {
			return nil, 0, err
		}
		defer sess.Close()

		if err := sess.SendText(text); err != nil {
			return nil, 0, err
		}
		if err := sess.Finish(); err != nil {
			return nil, 0, err
		}

		var pcm []byte
		for {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case ev, ok := <-sess.Events():
				if !ok {
					return pcm, p.SampleRate(), nil
				}
				switch ev.Type {
				case tts.EventAudioChunk:
					pcm = append(pcm, ev.PCM...)
				case tts.EventTaskFinished:
					return pcm, p.SampleRate(), nil
				case tts.EventTaskFailed:
					return nil, 0, ev.Err
				}
			}
		}
	}
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// reloader re-reads the config file on update_config and rebuilds only the
// providers whose entries changed. Long-lived resources (dialogue store, MCP
// host, wake cache) are kept.
type reloader struct {
	path  string
	reg   *config.Registry
	level *slog.LevelVar

	mu   sync.Mutex
	cfg  *config.Config
	mods server.Modules
}

func (r *reloader) reload(ctx context.Context) (server.Modules, server.Settings, error) {
	newCfg, err := config.Load(r.path)
	if err != nil {
		return server.Modules{}, server.Settings{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d := config.Diff(r.cfg, newCfg)
	if !d.Any() {
		slog.Info("config reload: no tracked changes")
		return r.mods, settingsFromConfig(newCfg), nil
	}

	mods := r.mods
	if d.LLMChanged {
		if mods.LLM, err = buildLLM(r.reg, newCfg.Providers.LLM); err != nil {
			return server.Modules{}, server.Settings{}, err
		}
	}
	if d.ASRChanged {
		if mods.STT, err = buildSTT(r.reg, newCfg.Providers.STT); err != nil {
			return server.Modules{}, server.Settings{}, err
		}
	}
	if d.TTSChanged {
		if mods.TTS, err = buildTTS(r.reg, newCfg.Providers.TTS); err != nil {
			return server.Modules{}, server.Settings{}, err
		}
	}
	if d.VADChanged {
		if mods.VAD, err = buildVAD(r.reg, newCfg.Providers.VAD); err != nil {
			return server.Modules{}, server.Settings{}, err
		}
	}
	if d.LogLevelChanged {
		r.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	r.cfg = newCfg
	r.mods = mods
	slog.Info("config reloaded",
		"llm", d.LLMChanged, "stt", d.ASRChanged, "tts", d.TTSChanged,
		"vad", d.VADChanged, "dialogue", d.DialogueChanged,
	)
	return mods, settingsFromConfig(newCfg), nil
}

// restartProcess re-executes the current binary in place. Wired to the
// in-band restart control message.
func restartProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: resolve executable: %w", err)
	}
	slog.Info("restarting", "exe", exe)
	return syscall.Exec(exe, os.Args, os.Environ())
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         EchoLink — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	if cfg.Server.Auth.Enabled {
		fmt.Printf("║  Auth            : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Auth            : %-19s ║\n", "(disabled)")
	}
	if cfg.Manager.ReadConfigFromAPI {
		fmt.Printf("║  Manager API     : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Manager API     : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen mode     : %-19s ║\n", string(cfg.Dialogue.ListenMode))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map[string]any.
// YAML decodes numbers as float64 or int depending on the literal.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
