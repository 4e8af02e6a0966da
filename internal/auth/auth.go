// Package auth implements the stateless HMAC token scheme used to
// authenticate device connections.
//
// A token is the base64url-encoded (unpadded) HMAC-SHA256 signature over
// "client_id|username|timestamp", joined with the issue timestamp:
//
//	<base64url(sig)>.<unix_seconds>
//
// Verification recomputes the signature for the presented identity and
// compares in constant time. Any malformed token verifies as false; the
// verifier never returns an error to its caller.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// DefaultExpiry is how long a token stays valid when no explicit expiry is
// configured (or when a non-positive one is).
const DefaultExpiry = 30 * 24 * time.Hour

// Verifier signs and verifies device tokens. The zero value is not usable;
// construct with New.
type Verifier struct {
	secret []byte
	expiry time.Duration

	// now is swapped in tests for deterministic timestamps.
	now func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithExpiry overrides the token validity window. Non-positive values fall
// back to DefaultExpiry.
func WithExpiry(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.expiry = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// New creates a Verifier with the given shared secret.
func New(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		expiry: DefaultExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Generate issues a token for the given identity, timestamped now.
func (v *Verifier) Generate(clientID, username string) string {
	ts := strconv.FormatInt(v.now().Unix(), 10)
	return v.sign(clientID, username, ts) + "." + ts
}

// Verify reports whether token is a valid, unexpired token for the given
// identity. Malformed tokens, bad timestamps, and expired tokens all return
// false; Verify never panics or returns an error.
func (v *Verifier) Verify(token, clientID, username string) bool {
	sig, ts, ok := splitToken(token)
	if !ok {
		return false
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if v.now().Unix()-issued > int64(v.expiry/time.Second) {
		return false
	}
	expected := v.sign(clientID, username, ts)
	return hmac.Equal([]byte(sig), []byte(expected))
}

func (v *Verifier) sign(clientID, username, ts string) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s|%s|%s", clientID, username, ts)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// splitToken splits "<sig>.<ts>" at the last dot. The signature alphabet is
// base64url so the last dot is unambiguous.
func splitToken(token string) (sig, ts string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			if i == 0 || i == len(token)-1 {
				return "", "", false
			}
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
