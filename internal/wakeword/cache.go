package wakeword

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/echolink/pkg/audio"
)

// defaultRefreshInterval bounds how often a voice's acknowledgement clip is
// re-synthesized. The clip only needs to sound fresh, not be fresh.
const defaultRefreshInterval = 10 * time.Second

// fallbackText is spoken when no cached clip exists yet for a voice.
const fallbackText = "I'm here!"

const indexFile = "index.json"

// cannedResponses is the pool refreshed clips are drawn from.
var cannedResponses = []string{
	"I'm always here, please go ahead.",
	"I'm here, please feel free to tell me.",
	"Here I am, please tell me.",
	"Please speak, I'm listening.",
	"Please speak, I'm ready.",
	"Please give me your instruction.",
	"I'm listening carefully, please go ahead.",
	"How can I help you?",
	"I'm here, waiting for your instruction.",
}

// SynthesizeFunc renders text to 16-bit mono PCM at the returned sample
// rate. The connection layer backs it with the configured TTS provider.
type SynthesizeFunc func(ctx context.Context, text string) (pcm []byte, sampleRate int, err error)

// Response is one playable wake acknowledgement.
type Response struct {
	Text   string
	Frames [][]byte // 60 ms device opus packets
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithRefreshInterval overrides the minimum age before a clip is
// re-synthesized. Values <= 0 are ignored.
func WithRefreshInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithFallbackClip points at the canned WAV played before any clip has been
// synthesized for a voice.
func WithFallbackClip(path string) CacheOption {
	return func(c *Cache) { c.fallbackPath = path }
}

// entry is the persisted record for one voice's clip.
type entry struct {
	Text      string `json:"text"`
	Path      string `json:"path"`
	Generated int64  `json:"generated"` // unix seconds
}

// Cache holds one synthesized acknowledgement clip per voice, persisted as
// WAV files under dir so clips survive restarts. Refreshes run in the
// background, single-flight across all voices.
type Cache struct {
	dir             string
	synthesize      SynthesizeFunc
	refreshInterval time.Duration
	fallbackPath    string

	now  func() time.Time
	load func(path string) ([][]byte, error)
	pick func() string

	mu         sync.Mutex
	entries    map[string]entry
	refreshing bool
}

// NewCache opens (or creates) the clip cache under dir. Existing clips are
// picked up from the on-disk index.
func NewCache(dir string, synthesize SynthesizeFunc, opts ...CacheOption) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wakeword: create cache dir: %w", err)
	}
	c := &Cache{
		dir:             dir,
		synthesize:      synthesize,
		refreshInterval: defaultRefreshInterval,
		now:             time.Now,
		load:            audio.LoadWAVAsOpus,
		pick:            func() string { return cannedResponses[rand.IntN(len(cannedResponses))] },
		entries:         make(map[string]entry),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// Response returns the clip to play for voice, falling back to the canned
// prompt when nothing has been synthesized yet. A stale or missing clip
// triggers a background refresh; the stale clip is still returned so
// playback never waits on synthesis.
func (c *Cache) Response(ctx context.Context, voice string) (Response, error) {
	if voice == "" {
		voice = "default"
	}

	c.mu.Lock()
	e, ok := c.entries[voice]
	stale := !ok || c.now().Unix()-e.Generated > int64(c.refreshInterval/time.Second)
	start := stale && !c.refreshing
	if start {
		c.refreshing = true
	}
	c.mu.Unlock()

	if start {
		go c.refresh(voice)
	}

	if !ok {
		if c.fallbackPath == "" {
			return Response{}, errors.New("wakeword: no cached clip and no fallback configured")
		}
		frames, err := c.load(c.fallbackPath)
		if err != nil {
			return Response{}, fmt.Errorf("wakeword: load fallback clip: %w", err)
		}
		return Response{Text: fallbackText, Frames: frames}, nil
	}

	frames, err := c.load(e.Path)
	if err != nil {
		return Response{}, fmt.Errorf("wakeword: load clip for %s: %w", voice, err)
	}
	return Response{Text: e.Text, Frames: frames}, nil
}

// refresh synthesizes a new clip for voice. Callers must have claimed the
// refreshing flag; it is released on exit.
func (c *Cache) refresh(voice string) {
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := c.pick()
	pcm, rate, err := c.synthesize(ctx, text)
	if err != nil {
		slog.Warn("wakeword: clip synthesis failed", "voice", voice, "error", err)
		return
	}
	if len(pcm) == 0 {
		slog.Warn("wakeword: clip synthesis returned no audio", "voice", voice)
		return
	}

	path := c.clipPath(voice)
	if err := audio.WriteWAV(path, pcm, rate); err != nil {
		slog.Warn("wakeword: persist clip failed", "voice", voice, "error", err)
		return
	}

	c.mu.Lock()
	c.entries[voice] = entry{Text: text, Path: path, Generated: c.now().Unix()}
	err = c.saveIndexLocked()
	c.mu.Unlock()
	if err != nil {
		slog.Warn("wakeword: persist index failed", "error", err)
	}
}

// clipPath derives a stable filename per voice. Voice ids can contain
// characters unfit for filenames, so they are hashed.
func (c *Cache) clipPath(voice string) string {
	sum := sha256.Sum256([]byte(voice))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])+".wav")
}

func (c *Cache) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(c.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wakeword: read index: %w", err)
	}
	if err := json.Unmarshal(raw, &c.entries); err != nil {
		return fmt.Errorf("wakeword: parse index: %w", err)
	}
	return nil
}

func (c *Cache) saveIndexLocked() error {
	raw, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, indexFile), raw, 0o644)
}
