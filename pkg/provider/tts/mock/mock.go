// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify that sessions are opened with the expected voice and
// Session to script synthesis events. Tests own the Session's EventsCh: send
// the Event values the consumer should see, then close it.
//
// Example:
//
//	sess := &mock.Session{EventsCh: make(chan tts.Event, 8)}
//	p := &mock.Provider{Session: sess, Rate: 16000}
//	handle, _ := p.StartStream(ctx, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echolink/pkg/provider/tts"
	"github.com/MrWong99/echolink/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to StartStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the StreamSession returned by StartStream. If nil, StartStream
	// returns a new default Session with a buffered event channel.
	Session tts.StreamSession

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Rate is returned by SampleRate. Defaults to 16000 when zero.
	Rate int

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// StartStreamCalls records every call to StartStream in order.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, voice types.VoiceProfile) (tts.StreamSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Voice: voice})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{EventsCh: make(chan tts.Event, 16)}, nil
}

// SampleRate returns Rate, defaulting to 16000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	// Chunk is the text fragment passed to SendText.
	Chunk string
}

// Session is a mock implementation of tts.StreamSession.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel
	// and are responsible for sending to and closing it in tests.
	EventsCh chan tts.Event

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// FinishErr, if non-nil, is returned by Finish.
	FinishErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// FinishCallCount is the number of times Finish was called.
	FinishCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Chunk: chunk})
	return s.SendTextErr
}

// Finish records the call and returns FinishErr.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishCallCount++
	return s.FinishErr
}

// Events returns EventsCh. The caller must have initialised EventsCh before
// calling this method.
func (s *Session) Events() <-chan tts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SentText concatenates all SendText chunks. Thread-safe.
func (s *Session) SentText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, c := range s.SendTextCalls {
		out += c.Chunk
	}
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = nil
	s.FinishCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements tts.StreamSession at compile time.
var _ tts.StreamSession = (*Session)(nil)
