package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"
)

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestGenerateFormat(t *testing.T) {
	v := New("k", WithClock(fixedClock(1_000_000)))
	token := v.Generate("C", "D")

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("C|D|1000000"))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil)) + ".1000000"

	if token != want {
		t.Fatalf("Generate() = %q, want %q", token, want)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	v := New("secret", WithClock(fixedClock(1_000_000)))
	token := v.Generate("C", "D")

	if !v.Verify(token, "C", "D") {
		t.Fatal("Verify() of freshly generated token = false, want true")
	}
	if v.Verify(token, "C", "E") {
		t.Fatal("Verify() with wrong username = true, want false")
	}
	if v.Verify(token, "X", "D") {
		t.Fatal("Verify() with wrong client id = true, want false")
	}
}

func TestVerifyExpiry(t *testing.T) {
	issued := int64(1_000_000)
	v := New("secret", WithClock(fixedClock(issued)))
	token := v.Generate("C", "D")

	// Just inside the default 30-day window.
	late := New("secret", WithClock(fixedClock(issued+30*86400-1)))
	if !late.Verify(token, "C", "D") {
		t.Fatal("Verify() inside expiry window = false, want true")
	}

	// Past the window.
	expired := New("secret", WithClock(fixedClock(issued+31*86400)))
	if expired.Verify(token, "C", "D") {
		t.Fatal("Verify() past expiry window = true, want false")
	}
}

func TestVerifyCustomExpiry(t *testing.T) {
	issued := int64(5000)
	v := New("secret", WithExpiry(time.Minute), WithClock(fixedClock(issued+61)))
	token := New("secret", WithClock(fixedClock(issued))).Generate("C", "D")
	if v.Verify(token, "C", "D") {
		t.Fatal("Verify() past custom expiry = true, want false")
	}

	// Non-positive expiry falls back to the default.
	fallback := New("secret", WithExpiry(-1), WithClock(fixedClock(issued+86400)))
	if !fallback.Verify(token, "C", "D") {
		t.Fatal("Verify() with fallback expiry = false, want true")
	}
}

func TestVerifyMalformed(t *testing.T) {
	v := New("secret", WithClock(fixedClock(1_000_000)))

	for _, token := range []string{
		"",
		".",
		"noseparator",
		"sig.",
		".12345",
		"sig.notanumber",
		"sig.12345.extra.notanumber",
	} {
		if v.Verify(token, "C", "D") {
			t.Errorf("Verify(%q) = true, want false", token)
		}
	}
}
