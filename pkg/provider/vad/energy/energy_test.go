package energy

import (
	"math"
	"testing"

	"github.com/MrWong99/echolink/pkg/provider/vad"
	"github.com/MrWong99/echolink/pkg/types"
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      60,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}
}

// frame synthesises one 60 ms frame of a sine wave at the given amplitude.
func frame(amplitude float64) []byte {
	samples := 16000 * 60 / 1000
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		s := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func TestNewSessionValidation(t *testing.T) {
	eng := New()
	cases := []struct {
		name string
		mut  func(*vad.Config)
	}{
		{"zero sample rate", func(c *vad.Config) { c.SampleRate = 0 }},
		{"zero frame size", func(c *vad.Config) { c.FrameSizeMs = 0 }},
		{"speech threshold above one", func(c *vad.Config) { c.SpeechThreshold = 1.5 }},
		{"silence above speech", func(c *vad.Config) { c.SilenceThreshold = 0.9 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mut(&cfg)
			if _, err := eng.NewSession(cfg); err == nil {
				t.Fatal("NewSession() error = nil, want validation error")
			}
		})
	}
}

func TestSpeechStartAndEnd(t *testing.T) {
	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer sess.Close()

	// Settle the noise floor on quiet frames.
	quiet := frame(50)
	for i := 0; i < 5; i++ {
		ev, err := sess.ProcessFrame(quiet)
		if err != nil {
			t.Fatalf("ProcessFrame() error = %v", err)
		}
		if ev.Type != types.VADSilence {
			t.Fatalf("quiet frame %d: event = %v, want VADSilence", i, ev.Type)
		}
	}

	loud := frame(20000)
	ev, err := sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	if ev.Type != types.VADSpeechStart {
		t.Fatalf("loud frame: event = %v, want VADSpeechStart", ev.Type)
	}

	ev, _ = sess.ProcessFrame(loud)
	if ev.Type != types.VADSpeechContinue {
		t.Fatalf("second loud frame: event = %v, want VADSpeechContinue", ev.Type)
	}

	// Silence resolves the segment.
	var sawEnd bool
	for i := 0; i < 10; i++ {
		ev, _ = sess.ProcessFrame(quiet)
		if ev.Type == types.VADSpeechEnd {
			sawEnd = true
			break
		}
	}
	if !sawEnd {
		t.Fatal("never saw VADSpeechEnd after returning to quiet frames")
	}
}

func TestFrameSizeMismatch(t *testing.T) {
	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer sess.Close()

	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Fatal("ProcessFrame() with wrong frame size: error = nil, want error")
	}
}

func TestClosedSession(t *testing.T) {
	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := sess.ProcessFrame(frame(50)); err == nil {
		t.Fatal("ProcessFrame() after Close: error = nil, want ErrSessionClosed")
	}
}
