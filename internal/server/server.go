// Package server accepts device WebSocket connections and hands each one to
// a connection handler. It owns the shared modules (VAD engine, providers,
// tool sources) that outlive any single connection, performs authentication
// before the upgrade, and answers plain HTTP requests with a liveness string
// so load balancers can probe the same port.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/echolink/internal/auth"
	"github.com/MrWong99/echolink/internal/conn"
	"github.com/MrWong99/echolink/internal/observe"
	"github.com/MrWong99/echolink/internal/tool"
	"github.com/MrWong99/echolink/internal/wakeword"
	"github.com/MrWong99/echolink/pkg/audio"
	"github.com/MrWong99/echolink/pkg/memory"
	"github.com/MrWong99/echolink/pkg/provider/llm"
	"github.com/MrWong99/echolink/pkg/provider/stt"
	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/provider/vad"
	"github.com/MrWong99/echolink/pkg/types"
)

const (
	// livenessBody is the plain-HTTP answer on the WebSocket port.
	livenessBody = "Server is running\n"

	// maxMessageBytes caps a single inbound WebSocket message.
	maxMessageBytes = 1 << 20

	// deviceConfigTimeout bounds the admin-API fetch during accept.
	deviceConfigTimeout = 5 * time.Second

	// shutdownTimeout bounds the HTTP server drain on stop.
	shutdownTimeout = 10 * time.Second
)

// Modules are the shared provider-backed collaborators handed to every
// connection. The STT provider is shared when it runs in-process
// (stt.Provider.Local()); remote providers hold their per-session state
// inside the handles they vend, so the Provider value itself is safe to
// share either way.
type Modules struct {
	STT    stt.Provider
	TTS    tts.Provider
	LLM    llm.Provider
	VAD    vad.Engine
	Memory memory.Store

	// Tools are server-hosted sources (MCP clients, builtins) offered to
	// every connection in addition to its own device tools. The server
	// shields them from per-connection registry teardown.
	Tools []tool.Source
}

// Settings are the per-connection dialogue defaults resolved from config.
// Per-device overrides fetched from the admin API are applied on top.
type Settings struct {
	SystemPrompt string
	Language     string
	Voice        types.VoiceProfile
	WakeWords    []string
	ListenMode   types.ListenMode

	CloseNoVoiceTime time.Duration
	EndPromptEnable  bool
	EndPrompt        string
	MaxOutputTurns   int

	ControlSecret string
	AssetsDir     string
	TTSSendDelay  time.Duration

	// VADSpeechThreshold and VADSilenceThreshold parameterize the
	// per-connection VAD session. Zero values fall back to 0.5 / 0.35.
	VADSpeechThreshold  float64
	VADSilenceThreshold float64
}

// Overrides carries the per-device private settings fetched from the admin
// API. Zero-valued fields keep the server-wide default.
type Overrides struct {
	SystemPrompt     string
	Language         string
	Voice            types.VoiceProfile
	WakeWords        []string
	CloseNoVoiceTime time.Duration
	MaxOutputTurns   int
}

// DeviceConfigFunc fetches per-device private settings during accept. An
// error marks the connection as unbound; a *NotBoundError additionally
// carries the bind code the device should read out.
type DeviceConfigFunc func(ctx context.Context, deviceID, clientID string) (Overrides, error)

// NotBoundError reports that the admin API does not know the device yet.
type NotBoundError struct {
	BindCode string
}

func (e *NotBoundError) Error() string {
	return "server: device not bound"
}

// ReloadFunc re-resolves shared modules and settings from configuration.
// Wired to the in-band update_config control message.
type ReloadFunc func(ctx context.Context) (Modules, Settings, error)

// Server hosts the device WebSocket endpoint.
type Server struct {
	addr string
	log  *slog.Logger

	mu       sync.RWMutex
	mods     Modules
	settings Settings

	authOn   bool
	verifier *auth.Verifier
	allowed  map[string]struct{}

	wakes   *wakeword.Cache
	fetch   DeviceConfigFunc
	reload  ReloadFunc
	restart func() error
	metrics *observe.Metrics

	tlsCert string
	tlsKey  string
	routes  *http.ServeMux

	conns sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithAuth enables token authentication. Devices on the allow list bypass
// token verification entirely.
func WithAuth(v *auth.Verifier, allowed []string) Option {
	return func(s *Server) {
		s.authOn = true
		s.verifier = v
		s.allowed = make(map[string]struct{}, len(allowed))
		for _, id := range allowed {
			s.allowed[id] = struct{}{}
		}
	}
}

// WithWakeCache supplies the shared wake-word acknowledgement cache.
func WithWakeCache(c *wakeword.Cache) Option {
	return func(s *Server) { s.wakes = c }
}

// WithDeviceConfig supplies the admin-API fetch for per-device settings.
func WithDeviceConfig(fetch DeviceConfigFunc) Option {
	return func(s *Server) { s.fetch = fetch }
}

// WithReload wires the update_config control message to a config re-fetch.
func WithReload(reload ReloadFunc) Option {
	return func(s *Server) { s.reload = reload }
}

// WithRestart wires the restart control message.
func WithRestart(restart func() error) Option {
	return func(s *Server) { s.restart = restart }
}

// WithMetrics records connection counters on the given instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTLS serves the endpoint over TLS with the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.tlsCert = certFile
		s.tlsKey = keyFile
	}
}

// WithRoute mounts an extra HTTP handler (health probes, metrics scrape) on
// the same listener. Unmatched plain-HTTP paths still get the liveness body.
func WithRoute(pattern string, h http.Handler) Option {
	return func(s *Server) {
		if s.routes == nil {
			s.routes = http.NewServeMux()
		}
		s.routes.Handle(pattern, h)
	}
}

// New creates a Server listening on addr once Run is called.
func New(addr string, mods Modules, settings Settings, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		log:      slog.With("component", "server"),
		mods:     mods,
		settings: settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until ctx is cancelled, then drains active connections.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if s.tlsCert != "" {
			errCh <- srv.ServeTLS(lis, s.tlsCert, s.tlsKey)
			return
		}
		errCh <- srv.Serve(lis)
	}()
	s.log.Info("listening", "addr", lis.Addr().String(), "tls", s.tlsCert != "")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("http shutdown incomplete", "error", err)
		}
		s.conns.Wait()
		return nil
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	}
}

// ServeHTTP answers plain HTTP with the liveness string and upgrades
// WebSocket requests into device sessions.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if s.routes != nil {
			if _, pattern := s.routes.Handler(r); pattern != "" {
				s.routes.ServeHTTP(w, r)
				return
			}
		}
		io.WriteString(w, livenessBody)
		return
	}
	s.handleDevice(w, r)
}

// UpdateConfig re-resolves modules and settings and swaps them atomically.
// Connections already running keep the modules they were built with.
func (s *Server) UpdateConfig(ctx context.Context) error {
	if s.reload == nil {
		return errors.New("server: config reload not configured")
	}
	mods, settings, err := s.reload(ctx)
	if err != nil {
		return fmt.Errorf("server: reload config: %w", err)
	}

	s.mu.Lock()
	s.mods = mods
	s.settings = settings
	s.mu.Unlock()

	s.log.Info("shared modules updated")
	return nil
}

func (s *Server) snapshot() (Modules, Settings) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mods, s.settings
}

// authorize applies the allow-list bypass, then token verification with the
// device ID as the token subject.
func (s *Server) authorize(id conn.Identity) bool {
	if !s.authOn {
		return true
	}
	if id.DeviceID != "" {
		if _, ok := s.allowed[id.DeviceID]; ok {
			return true
		}
	}
	if id.Authorization == "" {
		return false
	}
	return s.verifier.Verify(id.Authorization, id.ClientID, id.DeviceID)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	identity := conn.IdentityFromRequest(r)
	if identity.DeviceID == "" {
		http.Error(w, "missing device-id", http.StatusBadRequest)
		return
	}
	if !s.authorize(identity) {
		s.log.Warn("authentication failed",
			"device_id", identity.DeviceID, "client_ip", identity.ClientIP)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Devices connect from firmware, not browsers; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	ctx := r.Context()
	mods, settings := s.snapshot()

	cfg := s.connConfig(ctx, identity, settings)

	vadSess, err := mods.VAD.NewSession(vad.Config{
		SampleRate:       audio.DeviceSampleRate,
		FrameSizeMs:      audio.DeviceFrameSizeMs,
		SpeechThreshold:  orDefault(settings.VADSpeechThreshold, 0.5),
		SilenceThreshold: orDefault(settings.VADSilenceThreshold, 0.35),
	})
	if err != nil {
		s.log.Error("vad session failed", "device_id", identity.DeviceID, "error", err)
		ws.Close(websocket.StatusInternalError, "vad unavailable")
		return
	}

	h, err := conn.New(cfg, &wsSocket{c: ws}, conn.Modules{
		STT:          mods.STT,
		TTS:          mods.TTS,
		LLM:          mods.LLM,
		VAD:          vadSess,
		Memory:       mods.Memory,
		ExtraTools:   sharedSources(mods.Tools),
		UpdateConfig: s.UpdateConfig,
		Restart:      s.restart,
		Metrics:      s.metrics,
	}, s.wakes)
	if err != nil {
		s.log.Error("connection setup failed", "device_id", identity.DeviceID, "error", err)
		ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	if s.metrics != nil {
		transport := "direct"
		if identity.FromGateway {
			transport = "gateway"
		}
		s.metrics.ConnectionOpened(ctx, transport)
		defer s.metrics.ConnectionClosed(context.WithoutCancel(ctx))
	}

	s.log.Info("device connected",
		"device_id", identity.DeviceID,
		"client_ip", identity.ClientIP,
		"from_gateway", identity.FromGateway,
		"need_bind", cfg.NeedBind,
	)
	if err := h.Run(ctx); err != nil {
		s.log.Warn("connection ended with error",
			"device_id", identity.DeviceID, "error", err)
	}
}

// connConfig builds the per-connection config from the server defaults, the
// device identity, and the admin API's private settings when configured.
func (s *Server) connConfig(ctx context.Context, identity conn.Identity, settings Settings) conn.Config {
	cfg := conn.Config{
		DeviceID:         identity.DeviceID,
		ClientID:         identity.ClientID,
		ClientIP:         identity.ClientIP,
		FromGateway:      identity.FromGateway,
		SystemPrompt:     settings.SystemPrompt,
		Language:         settings.Language,
		Voice:            settings.Voice,
		WakeWords:        settings.WakeWords,
		ListenMode:       settings.ListenMode,
		CloseNoVoiceTime: settings.CloseNoVoiceTime,
		EndPromptEnable:  settings.EndPromptEnable,
		EndPrompt:        settings.EndPrompt,
		ControlSecret:    settings.ControlSecret,
		AssetsDir:        settings.AssetsDir,
		TTSSendDelay:     settings.TTSSendDelay,
		MaxOutputTurns:   settings.MaxOutputTurns,
	}
	if s.fetch == nil {
		return cfg
	}

	fctx, cancel := context.WithTimeout(ctx, deviceConfigTimeout)
	defer cancel()
	ov, err := s.fetch(fctx, identity.DeviceID, identity.ClientID)
	if err != nil {
		cfg.NeedBind = true
		var nb *NotBoundError
		if errors.As(err, &nb) {
			cfg.BindCode = nb.BindCode
		}
		s.log.Info("device config unavailable, dialogue blocked on binding",
			"device_id", identity.DeviceID, "error", err)
		return cfg
	}

	if ov.SystemPrompt != "" {
		cfg.SystemPrompt = ov.SystemPrompt
	}
	if ov.Language != "" {
		cfg.Language = ov.Language
	}
	if ov.Voice.ID != "" {
		cfg.Voice = ov.Voice
	}
	if len(ov.WakeWords) > 0 {
		cfg.WakeWords = ov.WakeWords
	}
	if ov.CloseNoVoiceTime > 0 {
		cfg.CloseNoVoiceTime = ov.CloseNoVoiceTime
	}
	if ov.MaxOutputTurns > 0 {
		cfg.MaxOutputTurns = ov.MaxOutputTurns
	}
	return cfg
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

// sharedSource shields a server-owned tool source from the per-connection
// registry's Close.
type sharedSource struct {
	tool.Source
}

func (sharedSource) Close() error { return nil }

func sharedSources(srcs []tool.Source) []tool.Source {
	if len(srcs) == 0 {
		return nil
	}
	out := make([]tool.Source, len(srcs))
	for i, src := range srcs {
		out[i] = sharedSource{Source: src}
	}
	return out
}
