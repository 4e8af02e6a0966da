package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/echolink/pkg/provider/tts"
	ttsmock "github.com/MrWong99/echolink/pkg/provider/tts/mock"
	"github.com/MrWong99/echolink/pkg/types"
)

func TestTTSFallback_StartStream_PrimarySuccess(t *testing.T) {
	primarySess := &ttsmock.Session{EventsCh: make(chan tts.Event, 1)}
	primary := &ttsmock.Provider{Session: primarySess}
	secondary := &ttsmock.Provider{}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	sess, err := fb.StartStream(context.Background(), types.VoiceProfile{
		ID:   "v1",
		Name: "TestVoice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != tts.StreamSession(primarySess) {
		t.Fatal("session is not the primary's")
	}
	if len(primary.StartStreamCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.StartStreamCalls))
	}
	if len(secondary.StartStreamCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.StartStreamCalls))
	}
	_ = sess.Close()
}

func TestTTSFallback_StartStream_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		StartStreamErr: errors.New("primary down"),
	}
	secondarySess := &ttsmock.Session{EventsCh: make(chan tts.Event, 1)}
	secondary := &ttsmock.Provider{Session: secondarySess}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	sess, err := fb.StartStream(context.Background(), types.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(secondary.StartStreamCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.StartStreamCalls))
	}
	_ = sess.Close()
}

func TestTTSFallback_StartStream_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_SampleRate_FromPrimary(t *testing.T) {
	primary := &ttsmock.Provider{Rate: 24000}
	secondary := &ttsmock.Provider{Rate: 16000}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if got := fb.SampleRate(); got != 24000 {
		t.Fatalf("SampleRate = %d, want 24000", got)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		ListVoicesErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		Voices: []types.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Fatalf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}
