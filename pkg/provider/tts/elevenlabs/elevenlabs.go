// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/types"
	"github.com/coder/websocket"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate reports the PCM sample rate implied by the configured output
// format (e.g., "pcm_16000" yields 16000). Unrecognised formats fall back to
// 16000.
func (p *Provider) SampleRate() int {
	if rate, ok := parseOutputFormatRate(p.outputFormat); ok {
		return rate
	}
	return 16000
}

// parseOutputFormatRate extracts the sample rate from an ElevenLabs output
// format string of the form "pcm_<rate>".
func parseOutputFormatRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// StartStream opens a WebSocket synthesis session to ElevenLabs for the given
// voice. The session accepts text immediately; audio comes back on Events().
func (p *Provider) StartStream(ctx context.Context, voice types.VoiceProfile) (tts.StreamSession, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice.ID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     p.apiKey,
		OutputFormat: p.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	s := &session{
		conn:   conn,
		ctx:    ctx,
		events: make(chan tts.Event, 256),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// session is a live ElevenLabs synthesis session. It implements
// tts.StreamSession. The gateway serialises SendText/Finish calls; the
// firstSend flag therefore needs no extra locking beyond writeMu.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	events chan tts.Event

	writeMu sync.Mutex
	sent    bool // voice settings already sent with a text fragment

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendText queues a text fragment for synthesis. Empty fragments are ignored
// (an empty text value would signal end-of-input to ElevenLabs).
func (s *session) SendText(chunk string) error {
	if chunk == "" {
		return nil
	}
	select {
	case <-s.done:
		return errors.New("elevenlabs: session is closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload := textMessage{Text: chunk}
	if !s.sent {
		// Voice settings only need to accompany the first fragment.
		payload.VoiceSettings = &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
		s.sent = true
	}
	msgBytes, _ := json.Marshal(payload)
	if err := s.conn.Write(s.ctx, websocket.MessageText, msgBytes); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// Finish sends the end-of-input marker. ElevenLabs flushes remaining audio and
// reports isFinal, which surfaces as EventTaskFinished.
func (s *session) Finish() error {
	select {
	case <-s.done:
		return errors.New("elevenlabs: session is closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	flushBytes, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(s.ctx, websocket.MessageText, flushBytes); err != nil {
		return fmt.Errorf("elevenlabs: send flush: %w", err)
	}
	return nil
}

// Events returns the synthesis event stream.
func (s *session) Events() <-chan tts.Event { return s.events }

// Close tears the session down, abandoning queued text.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives JSON messages from ElevenLabs and converts them to events.
// The first audio chunk doubles as the synthesis-started signal.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	started := false
	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close; not a failure.
			default:
				s.emit(tts.Event{Type: tts.EventTaskFailed, Err: fmt.Errorf("elevenlabs: read: %w", err)})
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil && len(pcm) > 0 {
				if !started {
					started = true
					if !s.emit(tts.Event{Type: tts.EventSynthesisStarted}) {
						return
					}
				}
				if !s.emit(tts.Event{Type: tts.EventAudioChunk, PCM: pcm}) {
					return
				}
			}
		}

		if resp.IsFinal {
			s.emit(tts.Event{Type: tts.EventTaskFinished})
			return
		}
	}
}

// emit delivers an event unless the session is shutting down. Reports whether
// delivery succeeded.
func (s *session) emit(ev tts.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return convertVoices(vr), nil
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return convertVoices(vr), nil
}

func convertVoices(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}

var (
	_ tts.Provider      = (*Provider)(nil)
	_ tts.StreamSession = (*session)(nil)
)
